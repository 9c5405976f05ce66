package tcpconn

import (
	"github.com/rs/zerolog"

	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
)

// Listener answers connection requests on one bound socket. Handshakes in
// progress stay in its SYN queue until the final ACK, when the connection
// is handed to the engine and to the callback.
type Listener struct {
	stack   *iptcpstack.TCPStack
	local   socket.Socket
	cb      iptcpstack.ConnectCallback
	opts    Options
	backlog int
	pending map[socket.Tuple]*Conn
	closed  bool
	log     zerolog.Logger
}

func NewListenerFactory(opts Options) iptcpstack.ListenerFactory {
	opts = opts.withDefaults()
	return func(stack *iptcpstack.TCPStack, local socket.Socket, cb iptcpstack.ConnectCallback) iptcpstack.Listener {
		return newListener(stack, local, cb, opts)
	}
}

func newListener(stack *iptcpstack.TCPStack, local socket.Socket, cb iptcpstack.ConnectCallback, opts Options) *Listener {
	return &Listener{
		stack:   stack,
		local:   local,
		cb:      cb,
		opts:    opts,
		backlog: stack.Config().MaxSynBacklog,
		pending: make(map[socket.Tuple]*Conn),
		log:     stack.Logger().With().Stringer("listener", local).Logger(),
	}
}

func (l *Listener) Local() socket.Socket { return l.local }
func (l *Listener) SynQueueSize() int    { return len(l.pending) }

func (l *Listener) SegmentArrived(seg *segment.Segment) {
	if l.closed {
		return
	}
	t := socket.Tuple{Local: seg.Destination(), Remote: seg.Source()}
	if c, ok := l.pending[t]; ok {
		c.SegmentArrived(seg)
		return
	}
	if seg.Has(segment.RST) {
		return
	}
	if !seg.Has(segment.SYN) || seg.Has(segment.ACK) {
		l.log.Debug().Stringer("segment", seg).Msg("not a connection request")
		return
	}
	if len(l.pending) >= l.backlog {
		l.log.Debug().Stringer("from", t.Remote).Int("backlog", l.backlog).Msg("syn queue full")
		return
	}

	c := newConn(l.stack, t.Local, t.Remote, l.cb, l.opts)
	c.rcvNxt = seg.Seq().Add(1)
	c.sndWnd = uint32(seg.Window())
	c.established = l.accept
	c.OnCleanup(l.forget)
	l.pending[t] = c
	c.Open(false)
}

func (l *Listener) accept(c *Conn) error {
	delete(l.pending, c.tuple)
	return l.stack.AddConnection(c)
}

func (l *Listener) forget(conn iptcpstack.Connection) {
	t := conn.Tuple()
	if c, ok := l.pending[t]; ok && iptcpstack.Connection(c) == conn {
		delete(l.pending, t)
	}
}

// Close resets every handshake still in the SYN queue.
func (l *Listener) Close() {
	l.closed = true
	for _, c := range l.pending {
		c.Abort()
	}
	l.pending = make(map[socket.Tuple]*Conn)
}

func (l *Listener) String() string {
	return l.local.String()
}
