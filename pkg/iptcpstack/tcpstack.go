package iptcpstack

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tcpengine/pkg/ports"
	"tcpengine/pkg/segment"
	"tcpengine/pkg/smp"
	"tcpengine/pkg/socket"
	"tcpengine/pkg/stats"
)

const (
	DefaultMSL           = 30 * time.Second
	DefaultWindowSize    = 8096 * 1024
	DefaultWindowScale   = 5
	DefaultTimestamps    = true
	DefaultDelayedAck    = 40 * time.Millisecond
	DefaultMaxSynBacklog = 64
	MaxWindowScale       = 14
	MaxWindowSize        = 0x40000000
)

type Config struct {
	MSL               time.Duration
	WindowSize        uint32
	WindowScale       uint8
	Timestamps        bool
	DelayedAckTimeout time.Duration
	MaxSynBacklog     int

	// Core is the core owning this engine. When set, budget events from the
	// network are handed to it instead of being processed in place.
	Core *smp.Core

	NewConnection ConnectionFactory
	NewListener   ListenerFactory

	Stats *stats.Registry
	Seed  int64
}

func DefaultConfig() Config {
	return Config{
		MSL:               DefaultMSL,
		WindowSize:        DefaultWindowSize,
		WindowScale:       DefaultWindowScale,
		Timestamps:        DefaultTimestamps,
		DelayedAckTimeout: DefaultDelayedAck,
		MaxSynBacklog:     DefaultMaxSynBacklog,
	}
}

type counters struct {
	bytesRx, bytesTx     *stats.Counter
	packetsRx, packetsTx *stats.Counter
	dropped              *stats.Counter
	attempts             *stats.Counter
	incoming, outgoing   *stats.Counter
}

type connEntry struct {
	conn Connection
	// active connections own the bind of their local socket
	active bool
}

// TCPStack is the transport engine of one core: port namespace, listener
// and connection registries, demultiplexer and write queue.
type TCPStack struct {
	network Network
	config  Config
	cpu     int
	prefix  string

	ports       *ports.Namespace
	listeners   map[socket.Socket]Listener
	connections map[socket.Tuple]*connEntry
	writeq      []socket.Tuple

	rerouter func(*segment.Segment)

	stats counters
	rnd   *rand.Rand
	boot  time.Time
	log   zerolog.Logger
}

func New(network Network, config Config) (*TCPStack, error) {
	if config.WindowScale > MaxWindowScale {
		return nil, newError(ConfigurationError, nil, "window scale %d exceeds %d", config.WindowScale, MaxWindowScale)
	}
	if config.WindowSize > MaxWindowSize {
		return nil, newError(ConfigurationError, nil, "window size %d exceeds %d", config.WindowSize, MaxWindowSize)
	}
	if config.NewConnection == nil || config.NewListener == nil {
		return nil, newError(ConfigurationError, nil, "connection and listener factories are required")
	}
	if config.Stats == nil {
		config.Stats = stats.NewRegistry()
	}
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}

	s := &TCPStack{
		network:     network,
		config:      config,
		ports:       ports.NewNamespace(config.Seed),
		listeners:   make(map[socket.Socket]Listener),
		connections: make(map[socket.Tuple]*connEntry),
		rnd:         rand.New(rand.NewSource(config.Seed)),
		boot:        time.Now(),
	}

	if config.Core == nil {
		s.prefix = network.IfName()
		network.OnTransmitQueueAvailable(s.ProcessWriteQ)
	} else {
		s.cpu = config.Core.ID()
		s.prefix = fmt.Sprintf("%s.cpu%d", network.IfName(), s.cpu)
		network.OnTransmitQueueAvailable(s.smpProcessWriteQ)
	}
	s.log = log.With().Str("iface", network.IfName()).Int("cpu", s.cpu).Logger()

	reg := config.Stats
	p := s.prefix + ".tcp."
	s.stats = counters{
		bytesRx:   reg.Create(p + "rx"),
		bytesTx:   reg.Create(p + "tx"),
		packetsRx: reg.Create(p + "packets_rx"),
		packetsTx: reg.Create(p + "packets_tx"),
		incoming:  reg.Create(p + "conn_incoming"),
		outgoing:  reg.Create(p + "conn_outgoing"),
		attempts:  reg.Create(p + "conn_attempts"),
		dropped:   reg.Create(p + "dropped"),
	}
	return s, nil
}

func (s *TCPStack) Network() Network { return s.network }
func (s *TCPStack) Config() Config   { return s.config }
func (s *TCPStack) CPU() int         { return s.cpu }

// StatsPrefix is the counter name prefix, "<ifname>" or "<ifname>.cpu<N>".
func (s *TCPStack) StatsPrefix() string { return s.prefix }

func (s *TCPStack) Stats() *stats.Registry { return s.config.Stats }

func (s *TCPStack) Logger() *zerolog.Logger { return &s.log }

// DefaultSMSS is the segment size implied by the interface MTU.
func (s *TCPStack) DefaultSMSS() int {
	return s.network.MTU() - segment.IPv4Len - segment.HeaderLen
}

func (s *TCPStack) GenerateISS() seqnum.Value {
	return seqnum.Value(s.rnd.Uint32())
}

// TSValue is the timestamp option clock: microseconds since boot / 1024.
func (s *TCPStack) TSValue() uint32 {
	return uint32(time.Since(s.boot).Microseconds() >> 10)
}

// SetRerouter diverts every valid inbound segment to fn. nil restores
// normal demultiplexing.
func (s *TCPStack) SetRerouter(fn func(*segment.Segment)) {
	s.rerouter = fn
}

func (s *TCPStack) isValidSource(addr netip.Addr) bool {
	return !addr.IsValid() || addr.IsUnspecified() || s.network.IsValidSource(addr)
}

func (s *TCPStack) IsBound(sock socket.Socket) bool {
	return s.ports.IsBound(sock)
}

func (s *TCPStack) Bind(sock socket.Socket) error {
	if !s.isValidSource(sock.Addr) {
		return newError(ConfigurationError, nil, "cannot bind to address %s", sock.Addr)
	}
	if err := s.ports.Bind(sock); err != nil {
		return newError(BindError, err, "socket is already in use: %s", sock)
	}
	return nil
}

// BindEphemeral binds the next free ephemeral port on addr.
func (s *TCPStack) BindEphemeral(addr netip.Addr) (socket.Socket, error) {
	if !s.isValidSource(addr) {
		return socket.Socket{}, newError(ConfigurationError, nil, "cannot bind to address %s", addr)
	}
	sock, err := s.ports.BindEphemeral(addr)
	if err != nil {
		return socket.Socket{}, newError(BindError, err, "no ephemeral port on %s", addr)
	}
	return sock, nil
}

func (s *TCPStack) Unbind(sock socket.Socket) bool {
	return s.ports.Unbind(sock)
}

func (s *TCPStack) Listen(sock socket.Socket, cb ConnectCallback) (Listener, error) {
	sock = normalize(sock)
	if err := s.Bind(sock); err != nil {
		return nil, err
	}
	l := s.config.NewListener(s, sock, cb)
	s.listeners[sock] = l
	s.log.Debug().Stringer("socket", sock).Msg("listening")
	return l, nil
}

// Close closes the listener bound to sock together with its pending
// handshakes.
func (s *TCPStack) Close(sock socket.Socket) bool {
	sock = normalize(sock)
	l, ok := s.listeners[sock]
	if !ok {
		return false
	}
	delete(s.listeners, sock)
	l.Close()
	s.ports.Unbind(sock)
	s.log.Debug().Stringer("socket", sock).Msg("listener closed")
	return true
}

func normalize(sock socket.Socket) socket.Socket {
	if sock.IsWildcard() {
		return sock.Wildcard()
	}
	return sock
}

func (s *TCPStack) findListener(dst socket.Socket) (Listener, bool) {
	if l, ok := s.listeners[dst]; ok {
		return l, true
	}
	l, ok := s.listeners[dst.Wildcard()]
	return l, ok
}

// Connect opens a connection to remote from an ephemeral port on the
// primary address.
func (s *TCPStack) Connect(remote socket.Socket, cb ConnectCallback) (Connection, error) {
	return s.ConnectFrom(s.network.Addr(), remote, cb)
}

// ConnectFrom opens a connection to remote from an ephemeral port on src.
func (s *TCPStack) ConnectFrom(src netip.Addr, remote socket.Socket, cb ConnectCallback) (Connection, error) {
	s.stats.attempts.Inc()
	if !src.IsValid() || src.IsUnspecified() {
		src = s.network.Addr()
	}
	local, err := s.BindEphemeral(src)
	if err != nil {
		return nil, err
	}
	return s.openConnection(local, remote, cb)
}

// ConnectSocket opens a connection to remote from an explicit local socket.
func (s *TCPStack) ConnectSocket(local, remote socket.Socket, cb ConnectCallback) (Connection, error) {
	s.stats.attempts.Inc()
	if _, ok := s.connections[socket.Tuple{Local: local, Remote: remote}]; ok {
		return nil, newError(CollisionError, nil, "connection exists: %s -> %s", local, remote)
	}
	if err := s.Bind(local); err != nil {
		return nil, err
	}
	return s.openConnection(local, remote, cb)
}

func (s *TCPStack) openConnection(local, remote socket.Socket, cb ConnectCallback) (Connection, error) {
	t := socket.Tuple{Local: local, Remote: remote}
	if _, ok := s.connections[t]; ok {
		s.ports.Unbind(local)
		return nil, newError(CollisionError, nil, "connection exists: %s", t)
	}
	s.stats.outgoing.Inc()

	conn := s.config.NewConnection(s, local, remote, cb)
	s.connections[t] = &connEntry{conn: conn, active: true}
	conn.OnCleanup(s.closeConnection)
	s.log.Debug().Stringer("tuple", t).Msg("connecting")

	conn.Open(true)
	return conn, nil
}

// AddConnection registers a connection produced by a listener.
func (s *TCPStack) AddConnection(conn Connection) error {
	t := conn.Tuple()
	if _, ok := s.connections[t]; ok {
		return newError(CollisionError, nil, "connection exists: %s", t)
	}
	s.stats.incoming.Inc()
	s.connections[t] = &connEntry{conn: conn}
	conn.OnCleanup(s.closeConnection)
	s.log.Debug().Stringer("tuple", t).Msg("connection added")
	return nil
}

// closeConnection is the cleanup callback; the connection reports its own
// terminal state and this is the only place entries leave the registry.
func (s *TCPStack) closeConnection(conn Connection) {
	t := conn.Tuple()
	e, ok := s.connections[t]
	if !ok || e.conn != conn {
		return
	}
	delete(s.connections, t)
	if conn.IsQueued() {
		s.dequeue(t)
		conn.SetQueued(false)
	}
	if e.active {
		s.ports.Unbind(t.Local)
	}
	s.log.Debug().Stringer("tuple", t).Msg("connection closed")
}

func (s *TCPStack) Lookup(t socket.Tuple) (Connection, bool) {
	e, ok := s.connections[t]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Connections returns the registered connections ordered by tuple.
func (s *TCPStack) Connections() []Connection {
	tuples := make([]socket.Tuple, 0, len(s.connections))
	for t := range s.connections {
		tuples = append(tuples, t)
	}
	sort.Slice(tuples, func(i, j int) bool { return tupleLess(tuples[i], tuples[j]) })
	out := make([]Connection, len(tuples))
	for i, t := range tuples {
		out[i] = s.connections[t].conn
	}
	return out
}

func (s *TCPStack) Listeners() []Listener {
	socks := make([]socket.Socket, 0, len(s.listeners))
	for sock := range s.listeners {
		socks = append(socks, sock)
	}
	sort.Slice(socks, func(i, j int) bool { return socketLess(socks[i], socks[j]) })
	out := make([]Listener, len(socks))
	for i, sock := range socks {
		out[i] = s.listeners[sock]
	}
	return out
}

func socketLess(a, b socket.Socket) bool {
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c < 0
	}
	return a.Port < b.Port
}

func tupleLess(a, b socket.Tuple) bool {
	if a.Local != b.Local {
		return socketLess(a.Local, b.Local)
	}
	return socketLess(a.Remote, b.Remote)
}

// String lists listeners and connections.
func (s *TCPStack) String() string {
	var sb strings.Builder
	c := s.config
	fmt.Fprintf(&sb, "msl=%s window=%d wscale=%d timestamps=%t delayed_ack=%s syn_backlog=%d\n",
		c.MSL, c.WindowSize, c.WindowScale, c.Timestamps, c.DelayedAckTimeout, c.MaxSynBacklog)
	w := tabwriter.NewWriter(&sb, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "LISTENERS:")
	fmt.Fprintln(w, "Local\tQueued")
	for _, l := range s.Listeners() {
		fmt.Fprintf(w, "%s\t%d\n", l.Local(), l.SynQueueSize())
	}
	fmt.Fprintln(w, "\nCONNECTIONS:")
	fmt.Fprintln(w, "Proto\tLocal\tRemote\tState\tQueued")
	for _, c := range s.Connections() {
		fmt.Fprintf(w, "tcp4\t%s\t%s\t%s\t%t\n", c.Local(), c.Remote(), c.State(), c.IsQueued())
	}
	w.Flush()
	return sb.String()
}
