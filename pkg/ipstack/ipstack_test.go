package ipstack

import (
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
	"tcpengine/pkg/stats"
)

var (
	addr1 = netip.MustParseAddr("10.0.0.1")
	addr2 = netip.MustParseAddr("10.0.0.2")
)

func newTestStack(t *testing.T, txq int) (*IPStack, *stats.Registry) {
	t.Helper()
	reg := stats.NewRegistry()
	s, err := New(Config{
		Name:             "eth0",
		Addrs:            []netip.Addr{addr1, addr2},
		PathMTUDiscovery: true,
		TransmitQueue:    txq,
		Stats:            reg,
	})
	require.NoError(t, err)
	return s, reg
}

func packet(s *IPStack, dst socket.Socket, payload int) *segment.Segment {
	seg := s.CreatePacket()
	seg.SetSource(socket.New(addr1, 1000)).SetDestination(dst).SetPayload(make([]byte, payload))
	seg.Finalize()
	return seg
}

func TestNewValidates(t *testing.T) {
	for _, cfg := range []Config{
		{},
		{Name: "eth0"},
		{Name: "eth0", Addrs: []netip.Addr{socket.Any}},
		{Name: "eth0", Addrs: []netip.Addr{addr1}, MTU: 40},
		{Name: "eth0", Addrs: []netip.Addr{addr1}, TransmitQueue: -1},
	} {
		_, err := New(cfg)
		assert.True(t, errors.Is(err, ErrInvalidConfig), "%+v", cfg)
	}

	s, err := New(Config{Name: "eth0", Addrs: []netip.Addr{addr1}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMTU, s.MTU())
	assert.Equal(t, DefaultMinimumMTU, s.MinimumMTU())
	assert.Equal(t, DefaultTransmitQueue, s.TransmitQueueAvailable())
	assert.False(t, s.PathMTUDiscovery())
}

func TestAddresses(t *testing.T) {
	s, _ := newTestStack(t, 4)
	assert.Equal(t, addr1, s.Addr())
	assert.True(t, s.IsValidSource(addr2))
	assert.False(t, s.IsValidSource(netip.MustParseAddr("10.0.0.3")))
}

func TestFlushOutputsInOrderThenOffersBudget(t *testing.T) {
	s, reg := newTestStack(t, 4)
	var out []uint16
	s.OnOutput(func(seg *segment.Segment) { out = append(out, seg.DstPort()) })
	var budgets []int
	s.OnTransmitQueueAvailable(func(n int) error {
		budgets = append(budgets, n)
		return nil
	})

	for port := uint16(1); port <= 5; port++ {
		s.Send(packet(s, socket.New(addr2, port), 0))
	}
	assert.Equal(t, 0, s.TransmitQueueAvailable())
	assert.Equal(t, 5, s.Pending())

	require.NoError(t, s.Flush())
	assert.Equal(t, []uint16{1, 2, 3, 4, 5}, out)
	assert.Equal(t, []int{4}, budgets)
	assert.Equal(t, 0, s.Pending())

	c, _ := reg.Get("eth0.ip.tx_overrun")
	assert.EqualValues(t, 1, c.Load())
	c, _ = reg.Get("eth0.ip.packets_tx")
	assert.EqualValues(t, 5, c.Load())
}

func TestSendPastCapacityKeepsReplies(t *testing.T) {
	s, _ := newTestStack(t, 2)
	var out int
	s.OnOutput(func(*segment.Segment) { out++ })
	var budgets []int
	s.OnTransmitQueueAvailable(func(n int) error {
		budgets = append(budgets, n)
		if len(budgets) > 1 {
			return nil
		}
		// replies beyond the budget
		for i := 0; i < 3; i++ {
			s.Send(packet(s, socket.New(addr2, 80), 0))
		}
		return nil
	})

	require.NoError(t, s.Flush())
	assert.Equal(t, 3, s.Pending())
	assert.Equal(t, 0, s.TransmitQueueAvailable())

	require.NoError(t, s.Flush())
	assert.Equal(t, 3, out)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, []int{2, 2}, budgets)
}

func TestFlushReportsTooBig(t *testing.T) {
	s, _ := newTestStack(t, 8)
	peer := socket.New(netip.MustParseAddr("20.0.0.1"), 80)
	s.SetPathMTU(peer.Addr, 576)

	var out int
	s.OnOutput(func(*segment.Segment) { out++ })
	var reports []iptcpstack.NetError
	var dests []socket.Socket
	s.OnError(func(err iptcpstack.NetError, dest socket.Socket) {
		reports = append(reports, err)
		dests = append(dests, dest)
	})

	s.Send(packet(s, peer, 1000))
	s.Send(packet(s, peer, 500))
	require.NoError(t, s.Flush())

	assert.Equal(t, 1, out)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].IsTooBig())
	assert.Equal(t, 576, reports[0].PMTU)
	assert.Equal(t, peer, dests[0])

	s.SetPathMTU(peer.Addr, 0)
	s.Send(packet(s, peer, 1000))
	require.NoError(t, s.Flush())
	assert.Equal(t, 2, out)
}

func TestTooBigSegmentReturnedToPool(t *testing.T) {
	s, _ := newTestStack(t, 8)
	peer := socket.New(addr2, 80)
	s.SetPathMTU(peer.Addr, 576)

	seg := packet(s, peer, 1000)
	s.Send(seg)
	require.NoError(t, s.Flush())
	assert.Zero(t, seg.Len())
}

func TestPathMTUIncreaseAnnounced(t *testing.T) {
	s, _ := newTestStack(t, 8)
	peer := socket.New(netip.MustParseAddr("20.0.0.1"), 80)
	other := socket.New(netip.MustParseAddr("20.0.0.1"), 81)
	type raise struct {
		dest socket.Socket
		mtu  int
	}
	var raises []raise
	s.OnPathMTUIncrease(func(dest socket.Socket, mtu int) {
		raises = append(raises, raise{dest, mtu})
	})

	// nothing reported yet
	s.SetPathMTU(peer.Addr, 576)
	s.SetPathMTU(peer.Addr, 1000)
	assert.Empty(t, raises)

	s.SetPathMTU(peer.Addr, 576)
	s.Send(packet(s, peer, 1000))
	s.Send(packet(s, other, 100))
	require.NoError(t, s.Flush())

	s.SetPathMTU(peer.Addr, 500)
	assert.Empty(t, raises)

	s.SetPathMTU(peer.Addr, 1000)
	assert.Equal(t, []raise{{peer, 1000}}, raises)

	s.SetPathMTU(peer.Addr, 0)
	assert.Equal(t, []raise{{peer, 1000}, {peer, DefaultMTU}}, raises)

	// forgotten once the limit is gone
	s.SetPathMTU(peer.Addr, 576)
	s.SetPathMTU(peer.Addr, 0)
	assert.Len(t, raises, 2)
}

func TestFlushWithoutDiscoveryDelivers(t *testing.T) {
	s, err := New(Config{Name: "eth0", Addrs: []netip.Addr{addr1}})
	require.NoError(t, err)
	peer := socket.New(addr2, 80)
	s.SetPathMTU(peer.Addr, 576)
	var out int
	s.OnOutput(func(*segment.Segment) { out++ })

	s.Send(packet(s, peer, 1000))
	require.NoError(t, s.Flush())
	assert.Equal(t, 1, out)
}

func TestFlushHookError(t *testing.T) {
	s, _ := newTestStack(t, 4)
	boom := errors.New("boom")
	s.OnTransmitQueueAvailable(func(int) error { return boom })
	assert.True(t, errors.Is(s.Flush(), boom))
}
