// Package ipstack is an in-memory IPv4 interface for the TCP engine. It owns
// the address set, the outgoing packet pool and the transmit queue. The
// queue capacity is the budget announced to engines; segments sent beyond it
// are still queued, so replies sent outside the budget are never lost.
// Flush empties the queue towards the output hook and then announces the
// free queue space to every registered engine.
package ipstack

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
	"tcpengine/pkg/stats"
)

const (
	DefaultMTU           = 1500
	DefaultMinimumMTU    = 68
	DefaultTransmitQueue = 256
)

var ErrInvalidConfig = errors.New("invalid interface config")

type Config struct {
	Name             string
	Addrs            []netip.Addr
	MTU              int
	MinimumMTU       int
	PathMTUDiscovery bool
	TransmitQueue    int
	Stats            *stats.Registry
}

type IPStack struct {
	mu sync.Mutex

	name   string
	addrs  []netip.Addr
	mtu    int
	minMTU int
	pmtud  bool

	pool    *segment.Pool
	txq     []*segment.Segment
	txqCap  int
	pathMTU map[netip.Addr]int
	// destinations told about a path limit, by address
	reported map[netip.Addr]map[socket.Socket]struct{}

	hooks   []func(int) error
	output  func(*segment.Segment)
	onError func(iptcpstack.NetError, socket.Socket)
	onRaise func(socket.Socket, int)

	packetsTx *stats.Counter
	txOverrun *stats.Counter
	tooBig    *stats.Counter

	log zerolog.Logger
}

func New(cfg Config) (*IPStack, error) {
	if cfg.Name == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "missing name")
	}
	if len(cfg.Addrs) == 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: no addresses", cfg.Name)
	}
	for _, a := range cfg.Addrs {
		if !a.Is4() || a.IsUnspecified() {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s: bad address %s", cfg.Name, a)
		}
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MinimumMTU == 0 {
		cfg.MinimumMTU = DefaultMinimumMTU
	}
	if cfg.TransmitQueue == 0 {
		cfg.TransmitQueue = DefaultTransmitQueue
	}
	if cfg.MTU < cfg.MinimumMTU || cfg.MinimumMTU < segment.IPv4Len+segment.HeaderLen {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: mtu %d, minimum %d", cfg.Name, cfg.MTU, cfg.MinimumMTU)
	}
	if cfg.TransmitQueue < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: transmit queue %d", cfg.Name, cfg.TransmitQueue)
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewRegistry()
	}

	p := cfg.Name + ".ip."
	return &IPStack{
		name:      cfg.Name,
		addrs:     append([]netip.Addr(nil), cfg.Addrs...),
		mtu:       cfg.MTU,
		minMTU:    cfg.MinimumMTU,
		pmtud:     cfg.PathMTUDiscovery,
		pool:      segment.NewPool(cfg.MTU),
		txqCap:    cfg.TransmitQueue,
		pathMTU:   make(map[netip.Addr]int),
		reported:  make(map[netip.Addr]map[socket.Socket]struct{}),
		packetsTx: cfg.Stats.Create(p + "packets_tx"),
		txOverrun: cfg.Stats.Create(p + "tx_overrun"),
		tooBig:    cfg.Stats.Create(p + "too_big"),
		log:       log.With().Str("iface", cfg.Name).Logger(),
	}, nil
}

func (s *IPStack) IfName() string         { return s.name }
func (s *IPStack) Addr() netip.Addr       { return s.addrs[0] }
func (s *IPStack) Addrs() []netip.Addr    { return s.addrs }
func (s *IPStack) MTU() int               { return s.mtu }
func (s *IPStack) MinimumMTU() int        { return s.minMTU }
func (s *IPStack) PathMTUDiscovery() bool { return s.pmtud }

func (s *IPStack) IsValidSource(addr netip.Addr) bool {
	for _, a := range s.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func (s *IPStack) CreatePacket() *segment.Segment {
	return s.pool.Get()
}

// Send queues seg for the next Flush. Segments past the capacity are
// queued too and counted as overrun.
func (s *IPStack) Send(seg *segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.txq) >= s.txqCap {
		s.txOverrun.Inc()
	}
	s.txq = append(s.txq, seg)
}

func (s *IPStack) TransmitQueueAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(0, s.txqCap-len(s.txq))
}

func (s *IPStack) OnTransmitQueueAvailable(fn func(packets int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// OnOutput sets where flushed segments go.
func (s *IPStack) OnOutput(fn func(*segment.Segment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = fn
}

// OnError sets the receiver of ICMP feedback for segments sent to a socket.
func (s *IPStack) OnError(fn func(iptcpstack.NetError, socket.Socket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// OnPathMTUIncrease sets the receiver of raised path MTUs. It is told about
// every destination that was sent a too-big report for the address.
func (s *IPStack) OnPathMTUIncrease(fn func(dest socket.Socket, mtu int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRaise = fn
}

// SetPathMTU places a link with the given MTU on the path to dst. Larger
// segments are answered with fragmentation-needed while PMTU discovery is
// on. Zero removes the limit. Raising or removing a limit is announced for
// every destination on dst that was reported too big.
func (s *IPStack) SetPathMTU(dst netip.Addr, mtu int) {
	s.mu.Lock()
	old, limited := s.pathMTU[dst]
	effective := mtu
	if mtu == 0 {
		delete(s.pathMTU, dst)
		effective = s.mtu
	} else {
		s.pathMTU[dst] = mtu
	}
	var raised []socket.Socket
	if limited && effective > old {
		for sock := range s.reported[dst] {
			raised = append(raised, sock)
		}
		if mtu == 0 {
			delete(s.reported, dst)
		}
	}
	onRaise, pmtud := s.onRaise, s.pmtud
	s.mu.Unlock()

	if onRaise == nil || !pmtud {
		return
	}
	for _, sock := range raised {
		s.log.Debug().Stringer("dest", sock).Int("mtu", effective).Msg("path mtu raised")
		onRaise(sock, effective)
	}
}

func (s *IPStack) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txq)
}

func (s *IPStack) remember(dest socket.Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	socks, ok := s.reported[dest.Addr]
	if !ok {
		socks = make(map[socket.Socket]struct{})
		s.reported[dest.Addr] = socks
	}
	socks[dest] = struct{}{}
}

type outgoing struct {
	seg  *segment.Segment
	pmtu int
}

// Flush hands every queued segment to the output hook, then offers the
// free queue space to the budget hooks.
func (s *IPStack) Flush() error {
	s.mu.Lock()
	batch := make([]outgoing, len(s.txq))
	for i, seg := range s.txq {
		batch[i] = outgoing{seg: seg, pmtu: s.pathMTU[seg.Dst]}
		s.txq[i] = nil
	}
	s.txq = s.txq[:0]
	output, onError := s.output, s.onError
	hooks := append([]func(int) error(nil), s.hooks...)
	s.mu.Unlock()

	for _, o := range batch {
		if s.pmtud && o.pmtu > 0 && segment.IPv4Len+o.seg.Len() > o.pmtu {
			s.tooBig.Inc()
			dest := o.seg.Destination()
			s.log.Debug().Int("pmtu", o.pmtu).Stringer("segment", o.seg).Msg("fragmentation needed")
			s.remember(dest)
			s.pool.Put(o.seg)
			if onError != nil {
				onError(iptcpstack.TooBig(o.pmtu), dest)
			}
			continue
		}
		s.packetsTx.Inc()
		if output != nil {
			output(o.seg)
		}
	}

	// output may have queued replies already
	available := s.TransmitQueueAvailable()
	for _, h := range hooks {
		if err := h(available); err != nil {
			return errors.Wrapf(err, "%s budget", s.name)
		}
	}
	return nil
}
