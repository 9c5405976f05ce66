package smp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunInOrderOnCore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCore(1, 16)
	go c.Run(ctx)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, c.Dispatch(func() error {
			order = append(order, i)
			return nil
		}))
	}
	var got []int
	require.NoError(t, c.Do(ctx, func() error {
		got = append(got, order...)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestDispatchBacklogFull(t *testing.T) {
	c := NewCore(0, 1)
	require.NoError(t, c.Dispatch(func() error { return nil }))
	err := c.Dispatch(func() error { return nil })
	assert.True(t, errors.Is(err, ErrBacklogFull))
}

func TestTaskErrorStopsGroup(t *testing.T) {
	g := NewGroup(2, 4)
	boom := errors.New("boom")
	require.NoError(t, g.Cores()[1].Dispatch(func() error { return boom }))

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, boom))
	case <-time.After(5 * time.Second):
		t.Fatal("group did not stop")
	}
	assert.True(t, errors.Is(g.Cores()[0].Dispatch(func() error { return nil }), ErrStopped))
}

func TestDoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCore(0, 4)
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped
	err := c.Do(context.Background(), func() error { return nil })
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestPickIsStable(t *testing.T) {
	g := NewGroup(4, 0)
	addr := netip.MustParseAddr("20.0.0.1")
	first := g.Pick(addr, 4000)
	for i := 0; i < 10; i++ {
		assert.Same(t, first, g.Pick(addr, 4000))
	}
	assert.Equal(t, 4, g.Len())
}
