package socket

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s, err := Parse("10.0.0.1:80")
	require.NoError(t, err)
	assert.Equal(t, New(netip.MustParseAddr("10.0.0.1"), 80), s)
	assert.Equal(t, "10.0.0.1:80", s.String())

	_, err = Parse("10.0.0.1")
	assert.Error(t, err)
}

func TestWildcard(t *testing.T) {
	s := New(netip.MustParseAddr("10.0.0.1"), 8080)
	assert.False(t, s.IsWildcard())
	assert.True(t, s.Wildcard().IsWildcard())
	assert.Equal(t, uint16(8080), s.Wildcard().Port)
	assert.True(t, Socket{Port: 1}.IsWildcard())
}

func TestTupleAsKey(t *testing.T) {
	a := Tuple{
		Local:  New(netip.MustParseAddr("10.0.0.1"), 80),
		Remote: New(netip.MustParseAddr("20.0.0.1"), 4000),
	}
	b := a
	m := map[Tuple]int{a: 1}
	assert.Equal(t, 1, m[b])
	assert.Equal(t, "10.0.0.1:80 -> 20.0.0.1:4000", a.String())
}
