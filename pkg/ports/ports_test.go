package ports

import (
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpengine/pkg/socket"
)

var local = netip.MustParseAddr("10.0.0.1")

func TestTableBindUnbind(t *testing.T) {
	tb := NewTable(EphemeralFirst)
	assert.False(t, tb.IsBound(80))
	tb.Bind(80)
	assert.True(t, tb.IsBound(80))
	assert.True(t, tb.Unbind(80))
	assert.False(t, tb.Unbind(80))
	assert.Equal(t, 0, tb.Len())
}

func TestTableNextEphemeralSkipsBound(t *testing.T) {
	tb := NewTable(EphemeralFirst)
	tb.Bind(EphemeralFirst)
	tb.Bind(EphemeralFirst + 1)
	tb.Bind(EphemeralFirst + 3)

	p, err := tb.NextEphemeral()
	require.NoError(t, err)
	assert.Equal(t, EphemeralFirst+2, p)
	tb.Bind(p)

	p, err = tb.NextEphemeral()
	require.NoError(t, err)
	assert.Equal(t, EphemeralFirst+4, p)
}

func TestTableNextEphemeralWraps(t *testing.T) {
	tb := NewTable(EphemeralLast)
	tb.Bind(EphemeralLast)
	p, err := tb.NextEphemeral()
	require.NoError(t, err)
	assert.Equal(t, EphemeralFirst, p)
}

func TestTableExhausted(t *testing.T) {
	tb := NewTable(EphemeralFirst)
	for p := uint32(EphemeralFirst); p <= uint32(EphemeralLast); p++ {
		tb.Bind(uint16(p))
	}
	_, err := tb.NextEphemeral()
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestNamespaceBindCollision(t *testing.T) {
	ns := NewNamespace(1)
	s := socket.New(local, 80)
	require.NoError(t, ns.Bind(s))
	assert.True(t, ns.IsBound(s))

	err := ns.Bind(s)
	assert.True(t, errors.Is(err, ErrInUse))

	assert.True(t, ns.Unbind(s))
	assert.False(t, ns.Unbind(s))
	assert.False(t, ns.IsBound(s))
}

func TestNamespaceWildcardFallback(t *testing.T) {
	ns := NewNamespace(1)
	require.NoError(t, ns.Bind(socket.New(socket.Any, 8080)))

	assert.True(t, ns.IsBound(socket.New(local, 8080)))
	assert.True(t, ns.IsBound(socket.New(netip.MustParseAddr("10.0.0.2"), 8080)))
	assert.False(t, ns.IsBound(socket.New(local, 8081)))
	assert.Error(t, ns.Bind(socket.New(local, 8080)))
}

func TestNamespaceEphemeralDistinct(t *testing.T) {
	ns := NewNamespace(7)
	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		s, err := ns.BindEphemeral(local)
		require.NoError(t, err)
		assert.Equal(t, local, s.Addr)
		assert.False(t, seen[s.Port], "port %d handed out twice", s.Port)
		assert.GreaterOrEqual(t, s.Port, EphemeralFirst)
		seen[s.Port] = true
	}
}

func TestNamespaceEphemeralAvoidsExplicitBinds(t *testing.T) {
	ns := NewNamespace(3)
	for p := uint32(EphemeralFirst); p <= uint32(EphemeralLast); p++ {
		if p == 50000 {
			continue
		}
		require.NoError(t, ns.Bind(socket.New(socket.Any, uint16(p))))
	}
	s, err := ns.BindEphemeral(local)
	require.NoError(t, err)
	assert.Equal(t, uint16(50000), s.Port)

	_, err = ns.BindEphemeral(local)
	assert.True(t, errors.Is(err, ErrExhausted))
}
