// Package smp runs one task loop per core. Work for a core is handed over on
// its channel and executed there run-to-completion.
package smp

import (
	"context"
	"hash/fnv"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultBacklog = 1024

var (
	ErrBacklogFull = errors.New("core task backlog full")
	ErrStopped     = errors.New("core stopped")
)

type Task func() error

type Core struct {
	id    int
	tasks chan Task
	done  chan struct{}
}

func NewCore(id, backlog int) *Core {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Core{
		id:    id,
		tasks: make(chan Task, backlog),
		done:  make(chan struct{}),
	}
}

func (c *Core) ID() int {
	return c.id
}

// Dispatch queues t on the core without waiting for it to run.
func (c *Core) Dispatch(t Task) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.tasks <- t:
		return nil
	default:
		return errors.Wrapf(ErrBacklogFull, "cpu%d", c.id)
	}
}

// Do runs fn on the core and waits for it to finish.
func (c *Core) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() error {
		result <- fn()
		return nil
	}
	select {
	case c.tasks <- task:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run pulls tasks until ctx is cancelled or a task fails.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-c.tasks:
			if err := t(); err != nil {
				log.Error().Err(err).Int("cpu", c.id).Msg("task failed")
				return errors.Wrapf(err, "cpu%d", c.id)
			}
		}
	}
}

type Group struct {
	cores []*Core
}

func NewGroup(n, backlog int) *Group {
	if n <= 0 {
		n = 1
	}
	g := &Group{cores: make([]*Core, n)}
	for i := range g.cores {
		g.cores[i] = NewCore(i, backlog)
	}
	return g
}

func (g *Group) Cores() []*Core {
	return g.cores
}

func (g *Group) Len() int {
	return len(g.cores)
}

// Pick maps a peer to a core so that every segment from that peer lands on
// the same engine instance.
func (g *Group) Pick(addr netip.Addr, port uint16) *Core {
	h := fnv.New32a()
	h.Write(addr.AsSlice())
	h.Write([]byte{byte(port >> 8), byte(port)})
	return g.cores[h.Sum32()%uint32(len(g.cores))]
}

// Run starts every core and returns when all have stopped. The first task
// failure cancels the others.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.cores {
		c := c
		eg.Go(func() error {
			return c.Run(ctx)
		})
	}
	return eg.Wait()
}
