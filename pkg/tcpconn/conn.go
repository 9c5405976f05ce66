// Package tcpconn is a small TCP state machine driven by the engine in
// iptcpstack: handshake, in-order data transfer with a congestion window,
// rewind-and-resend on PMTU shrink, and orderly or abortive close. All
// methods run on the core owning the engine.
package tcpconn

import (
	"fmt"
	"io"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"

	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
)

var (
	ErrNotConnected   = errors.New("connection not established")
	ErrClosing        = errors.New("connection is closing")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	maxAdvertisedWnd  = 0xffff
	initialWindowSegs = 3
	defaultBufferSize = 64 * 1024
	defaultRTOMin     = time.Millisecond
	defaultRTOMax     = 60 * time.Second
)

type Options struct {
	// BufferSize is the capacity of both the send and receive buffer.
	BufferSize int
	RTOMin     time.Duration
	RTOMax     time.Duration

	// OnRead runs when data or the peer's FIN has been received.
	OnRead func(*Conn)
}

func DefaultOptions() Options {
	return Options{
		BufferSize: defaultBufferSize,
		RTOMin:     defaultRTOMin,
		RTOMax:     defaultRTOMax,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.RTOMin <= 0 {
		o.RTOMin = d.RTOMin
	}
	if o.RTOMax <= 0 {
		o.RTOMax = d.RTOMax
	}
	return o
}

// NewFactory returns the factory the engine uses for connect.
func NewFactory(opts Options) iptcpstack.ConnectionFactory {
	opts = opts.withDefaults()
	return func(stack *iptcpstack.TCPStack, local, remote socket.Socket, cb iptcpstack.ConnectCallback) iptcpstack.Connection {
		return newConn(stack, local, remote, cb, opts)
	}
}

type Conn struct {
	stack *iptcpstack.TCPStack
	tuple socket.Tuple
	opts  Options
	cb    iptcpstack.ConnectCallback

	// established is set on passively opened connections; it hands the
	// connection over from the listener to the engine.
	established func(*Conn) error

	state State

	iss    seqnum.Value
	sndUna seqnum.Value
	sndNxt seqnum.Value
	sndWnd uint32
	rcvNxt seqnum.Value
	rcvWnd uint16 // last advertised

	sendq  *ringbuffer.RingBuffer
	resend []byte
	recvq  *ringbuffer.RingBuffer
	rtx    *retransmissionQueue

	smss     int
	cwnd     int
	ssthresh int

	queued  bool
	closing bool
	finSent bool
	peerFin bool

	cleanup []func(iptcpstack.Connection)
	log     zerolog.Logger
}

func newConn(stack *iptcpstack.TCPStack, local, remote socket.Socket, cb iptcpstack.ConnectCallback, opts Options) *Conn {
	smss := stack.DefaultSMSS()
	c := &Conn{
		stack:    stack,
		tuple:    socket.Tuple{Local: local, Remote: remote},
		opts:     opts,
		cb:       cb,
		iss:      stack.GenerateISS(),
		sendq:    ringbuffer.New(opts.BufferSize),
		recvq:    ringbuffer.New(opts.BufferSize),
		rtx:      newRetransmissionQueue(opts.RTOMin, opts.RTOMax),
		smss:     smss,
		cwnd:     initialWindowSegs * smss,
		ssthresh: int(stack.Config().WindowSize),
	}
	c.sndUna, c.sndNxt = c.iss, c.iss
	c.log = stack.Logger().With().Stringer("tuple", c.tuple).Logger()
	return c
}

func (c *Conn) Tuple() socket.Tuple   { return c.tuple }
func (c *Conn) Local() socket.Socket  { return c.tuple.Local }
func (c *Conn) Remote() socket.Socket { return c.tuple.Remote }
func (c *Conn) IsQueued() bool        { return c.queued }
func (c *Conn) SetQueued(q bool)      { c.queued = q }
func (c *Conn) SMSS() int             { return c.smss }
func (c *Conn) CWND() int             { return c.cwnd }
func (c *Conn) Ssthresh() int         { return c.ssthresh }
func (c *Conn) Status() State         { return c.state }
func (c *Conn) State() string         { return c.state.String() }

func (c *Conn) OnCleanup(fn func(iptcpstack.Connection)) {
	c.cleanup = append(c.cleanup, fn)
}

func (c *Conn) SetSMSS(smss int) {
	c.smss = smss
}

// ReduceSsthresh halves the flight size into ssthresh and restarts in slow
// start.
func (c *Conn) ReduceSsthresh() {
	c.ssthresh = max(c.inFlight()/2, 2*c.smss)
	c.cwnd = c.smss
}

// Open sends the first segment of the handshake: SYN for connect, SYN-ACK
// for a connection created by a listener.
func (c *Conn) Open(active bool) {
	if active {
		c.state = SynSent
		c.send(segment.SYN, c.iss, nil)
	} else {
		c.state = SynReceived
		c.send(segment.SYN|segment.ACK, c.iss, nil)
	}
	c.sndNxt = c.iss.Add(1)
}

func (c *Conn) SegmentArrived(seg *segment.Segment) {
	if seg.Has(segment.RST) {
		c.log.Debug().Msg("reset by peer")
		c.terminate()
		return
	}

	switch c.state {
	case Closed:
		return
	case SynSent:
		if !seg.Has(segment.SYN|segment.ACK) || seg.Ack() != c.sndNxt {
			return
		}
		c.rcvNxt = seg.Seq().Add(1)
		c.sndUna = seg.Ack()
		c.sndWnd = uint32(seg.Window())
		c.state = Established
		c.ack()
		c.connected()
		return
	case SynReceived:
		if seg.Has(segment.SYN) {
			c.send(segment.SYN|segment.ACK, c.iss, nil)
			return
		}
		if !seg.Has(segment.ACK) || seg.Ack() != c.sndNxt {
			return
		}
		c.sndUna = seg.Ack()
		c.state = Established
		if c.established != nil {
			if err := c.established(c); err != nil {
				c.log.Warn().Err(err).Msg("handshake completed on a taken tuple")
				c.Abort()
				return
			}
		}
		c.connected()
	}

	c.processAck(seg)
	if c.state == Closed {
		return
	}
	c.processData(seg)
	c.processFin(seg)
	if c.state != Closed && c.CanSend() {
		c.queue()
	}
}

func (c *Conn) connected() {
	c.log.Debug().Msg("established")
	if c.cb != nil {
		c.cb(c)
	}
}

func (c *Conn) processAck(seg *segment.Segment) {
	if !seg.Has(segment.ACK) {
		return
	}
	ack := seg.Ack()
	c.sndWnd = uint32(seg.Window())
	if !c.sndUna.LessThan(ack) || c.sndNxt.LessThan(ack) {
		return
	}
	acked := int(c.sndUna.Size(ack))
	c.sndUna = ack
	c.rtx.removeAcked(ack, time.Now())

	if c.cwnd < c.ssthresh {
		c.cwnd += min(acked, c.smss)
	} else {
		c.cwnd += max(c.smss*c.smss/c.cwnd, 1)
	}

	if c.finSent && ack == c.sndNxt {
		switch c.state {
		case FinWait1:
			c.state = FinWait2
		case Closing, LastAck:
			c.terminate()
		}
	}
}

func (c *Conn) processData(seg *segment.Segment) {
	data := seg.Payload()
	if len(data) == 0 || !c.state.receiving() {
		return
	}
	seq := seg.Seq()
	if seq.LessThan(c.rcvNxt) {
		skip := int(seq.Size(c.rcvNxt))
		if skip >= len(data) {
			c.ack()
			return
		}
		data = data[skip:]
		seq = c.rcvNxt
	}
	if seq != c.rcvNxt {
		// out of order, ask again for rcv.nxt
		c.ack()
		return
	}
	if free := c.recvq.Free(); len(data) > free {
		data = data[:free]
	}
	if len(data) > 0 {
		n, err := c.recvq.Write(data)
		if err != nil {
			c.log.Error().Err(err).Msg("receive buffer write")
		}
		c.rcvNxt = c.rcvNxt.Add(seqnum.Size(n))
	}
	c.ack()
	c.notify()
}

func (c *Conn) processFin(seg *segment.Segment) {
	if !seg.Has(segment.FIN) {
		return
	}
	if seg.Seq().Add(seqnum.Size(seg.DataLen())) != c.rcvNxt {
		return
	}
	c.rcvNxt = c.rcvNxt.Add(1)
	c.peerFin = true
	c.ack()
	switch c.state {
	case Established:
		c.state = CloseWait
	case FinWait1:
		c.state = Closing
	case FinWait2:
		// no TIME-WAIT
		c.terminate()
	}
	c.notify()
}

func (c *Conn) CanSend() bool {
	if !c.state.sending() {
		return false
	}
	if c.pending() > 0 {
		return c.usableWindow() > 0
	}
	return c.closing && !c.finSent
}

// Offer sends as many segments as the budget, the congestion window and the
// peer window allow, then requeues if more is ready.
func (c *Conn) Offer(packets *int) {
	for *packets > 0 && c.CanSend() {
		n := min(c.pending(), c.smss, c.usableWindow())
		if n == 0 {
			c.send(segment.FIN|segment.ACK, c.sndNxt, nil)
			c.sndNxt = c.sndNxt.Add(1)
			c.finSent = true
			*packets--
			break
		}
		data, resent := c.take(n)
		c.rtx.add(c.sndNxt, data, resent, time.Now())
		c.send(segment.ACK|segment.PSH, c.sndNxt, data)
		c.sndNxt = c.sndNxt.Add(seqnum.Size(n))
		*packets--
	}
	if c.CanSend() {
		c.queue()
	}
}

// Retransmit rewinds to the oldest unacknowledged byte; everything after it
// is sent again as the window allows.
func (c *Conn) Retransmit() {
	switch c.state {
	case SynSent:
		c.send(segment.SYN, c.iss, nil)
		return
	case SynReceived:
		c.send(segment.SYN|segment.ACK, c.iss, nil)
		return
	case Closed:
		return
	}
	if c.sndUna == c.sndNxt {
		return
	}
	c.resend = append(c.rtx.rewind(c.sndUna), c.resend...)
	c.finSent = false
	c.sndNxt = c.sndUna
	c.log.Debug().Int("bytes", len(c.resend)).Int("smss", c.smss).Msg("retransmitting")
	c.queue()
}

// Write appends p to the send buffer, returning how much fit.
func (c *Conn) Write(p []byte) (int, error) {
	if c.state != Established && c.state != CloseWait {
		return 0, errors.Wrap(ErrNotConnected, c.state.String())
	}
	if c.closing {
		return 0, ErrClosing
	}
	free := c.sendq.Free()
	if free == 0 {
		return 0, ErrSendBufferFull
	}
	if len(p) > free {
		p = p[:free]
	}
	n, err := c.sendq.Write(p)
	if err != nil {
		return n, errors.Wrap(err, "send buffer")
	}
	c.stack.RequestOffer(c)
	return n, nil
}

// Read copies received data into p. It does not block: with nothing
// buffered it returns 0, or io.EOF once the peer has closed.
func (c *Conn) Read(p []byte) (int, error) {
	if c.recvq.IsEmpty() {
		if c.peerFin || c.state == Closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	n, err := c.recvq.Read(p)
	if err != nil {
		return n, errors.Wrap(err, "receive buffer")
	}
	if int(c.rcvWnd) < c.smss && c.window() >= c.smss && c.state.receiving() {
		c.ack()
	}
	return n, nil
}

// Close starts an orderly close; the FIN follows the buffered data.
func (c *Conn) Close() {
	switch c.state {
	case SynSent, SynReceived:
		c.Abort()
		return
	case Established:
		c.state = FinWait1
	case CloseWait:
		c.state = LastAck
	default:
		return
	}
	c.closing = true
	c.stack.RequestOffer(c)
}

// Abort resets the connection and releases it at once.
func (c *Conn) Abort() {
	if c.state == Closed {
		return
	}
	c.send(segment.RST|segment.ACK, c.sndNxt, nil)
	c.terminate()
}

func (c *Conn) terminate() {
	if c.state == Closed {
		return
	}
	c.log.Debug().Stringer("from", c.state).Msg("closed")
	c.state = Closed
	fns := c.cleanup
	c.cleanup = nil
	for _, fn := range fns {
		fn(c)
	}
	c.notify()
}

func (c *Conn) queue() {
	if err := c.stack.QueueOffer(c); err != nil {
		c.log.Error().Err(err).Msg("queue offer")
	}
}

func (c *Conn) notify() {
	if c.opts.OnRead != nil {
		c.opts.OnRead(c)
	}
}

func (c *Conn) ack() {
	c.send(segment.ACK, c.sndNxt, nil)
}

func (c *Conn) send(flags uint8, seq seqnum.Value, payload []byte) {
	c.rcvWnd = uint16(c.window())
	seg := c.stack.CreateOutgoingPacket()
	seg.SetSource(c.tuple.Local).
		SetDestination(c.tuple.Remote).
		SetSeq(seq).
		SetFlags(flags).
		SetWindow(c.rcvWnd).
		SetPayload(payload)
	if flags&segment.ACK != 0 {
		seg.SetAck(c.rcvNxt)
	}
	c.stack.Transmit(seg)
}

func (c *Conn) window() int {
	return min(c.recvq.Free(), maxAdvertisedWnd)
}

func (c *Conn) inFlight() int {
	return int(c.sndUna.Size(c.sndNxt))
}

func (c *Conn) pending() int {
	return len(c.resend) + c.sendq.Length()
}

func (c *Conn) usableWindow() int {
	return min(c.cwnd, int(c.sndWnd)) - c.inFlight()
}

// take removes n bytes to send, rewound data first.
func (c *Conn) take(n int) ([]byte, bool) {
	buf := make([]byte, n)
	k := copy(buf, c.resend)
	c.resend = c.resend[k:]
	if len(c.resend) == 0 {
		c.resend = nil
	}
	if k < n {
		if _, err := c.sendq.Read(buf[k:]); err != nil {
			c.log.Error().Err(err).Msg("send buffer read")
		}
	}
	return buf, k > 0
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s %s una=%d nxt=%d rcv=%d cwnd=%d ssthresh=%d smss=%d rto=%s",
		c.tuple, c.state, c.sndUna, c.sndNxt, c.rcvNxt, c.cwnd, c.ssthresh, c.smss, c.rtx.rto)
}
