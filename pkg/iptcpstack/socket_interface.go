package iptcpstack

import (
	"net/netip"

	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
)

// ConnectCallback is handed the connection once its handshake completes.
type ConnectCallback func(Connection)

// Connection is the per-connection state machine driven by the engine.
type Connection interface {
	Tuple() socket.Tuple
	Local() socket.Socket
	Remote() socket.Socket

	// Open starts the handshake. active is true for connect.
	Open(active bool)
	SegmentArrived(seg *segment.Segment)

	// Offer lets the connection transmit while *packets > 0, decrementing it
	// once per segment. The connection requeues itself if data remains.
	Offer(packets *int)
	CanSend() bool
	IsQueued() bool
	SetQueued(bool)

	SMSS() int
	SetSMSS(int)
	ReduceSsthresh()
	Retransmit()

	// OnCleanup registers fn to run once when the connection reaches its
	// terminal state.
	OnCleanup(fn func(Connection))

	State() string
	String() string
}

// Listener owns the pending handshakes of one bound socket.
type Listener interface {
	Local() socket.Socket
	SegmentArrived(seg *segment.Segment)
	Close()
	SynQueueSize() int
	String() string
}

type ConnectionFactory func(stack *TCPStack, local, remote socket.Socket, cb ConnectCallback) Connection

type ListenerFactory func(stack *TCPStack, local socket.Socket, cb ConnectCallback) Listener

// Network is the IP layer below the engine.
type Network interface {
	IfName() string
	// Addr is the primary address, used for connect without a source.
	Addr() netip.Addr
	IsValidSource(addr netip.Addr) bool
	MTU() int
	MinimumMTU() int
	PathMTUDiscovery() bool

	CreatePacket() *segment.Segment
	Send(seg *segment.Segment)

	TransmitQueueAvailable() int
	OnTransmitQueueAvailable(fn func(packets int) error)
}
