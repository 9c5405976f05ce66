// Package segment wraps a TCP segment together with the IPv4 addresses of the
// datagram that carried it.
package segment

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"tcpengine/pkg/socket"
)

const (
	HeaderLen = header.TCPMinimumSize
	IPv4Len   = header.IPv4MinimumSize

	DefaultWindow = 0xffff

	urgentOffset = 18
	maxOffset    = 60
)

const (
	FIN = header.TCPFlagFin
	SYN = header.TCPFlagSyn
	RST = header.TCPFlagRst
	PSH = header.TCPFlagPsh
	ACK = header.TCPFlagAck
	URG = header.TCPFlagUrg
)

var ErrMalformed = errors.New("malformed tcp segment")

type Segment struct {
	Src netip.Addr
	Dst netip.Addr

	tcp header.TCP
}

// Parse validates the header length fields of b and wraps it without copying.
func Parse(src, dst netip.Addr, b []byte) (*Segment, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrapf(ErrMalformed, "length %d", len(b))
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < HeaderLen || off > maxOffset || off > len(b) {
		return nil, errors.Wrapf(ErrMalformed, "data offset %d", off)
	}
	return &Segment{Src: src, Dst: dst, tcp: tcp}, nil
}

// Init resets the header: 20 byte header, window 0xffff, no flags, no
// payload.
func (s *Segment) Init() *Segment {
	if cap(s.tcp) < HeaderLen {
		s.tcp = make(header.TCP, HeaderLen)
	}
	s.tcp = s.tcp[:HeaderLen]
	s.tcp.Encode(&header.TCPFields{DataOffset: HeaderLen, WindowSize: DefaultWindow})
	return s
}

func (s *Segment) Fields() header.TCPFields {
	return header.TCPFields{
		SrcPort:       s.tcp.SourcePort(),
		DstPort:       s.tcp.DestinationPort(),
		SeqNum:        s.tcp.SequenceNumber(),
		AckNum:        s.tcp.AckNumber(),
		DataOffset:    s.tcp.DataOffset(),
		Flags:         s.tcp.Flags(),
		WindowSize:    s.tcp.WindowSize(),
		Checksum:      s.tcp.Checksum(),
		UrgentPointer: binary.BigEndian.Uint16(s.tcp[urgentOffset:]),
	}
}

func (s *Segment) update(fn func(f *header.TCPFields)) *Segment {
	f := s.Fields()
	fn(&f)
	s.tcp.Encode(&f)
	return s
}

func (s *Segment) Source() socket.Socket {
	return socket.New(s.Src, s.tcp.SourcePort())
}

func (s *Segment) Destination() socket.Socket {
	return socket.New(s.Dst, s.tcp.DestinationPort())
}

func (s *Segment) SrcPort() uint16 { return s.tcp.SourcePort() }
func (s *Segment) DstPort() uint16 { return s.tcp.DestinationPort() }

func (s *Segment) Seq() seqnum.Value { return seqnum.Value(s.tcp.SequenceNumber()) }
func (s *Segment) Ack() seqnum.Value { return seqnum.Value(s.tcp.AckNumber()) }
func (s *Segment) Flags() uint8      { return s.tcp.Flags() }
func (s *Segment) Window() uint16    { return s.tcp.WindowSize() }
func (s *Segment) Checksum() uint16  { return s.tcp.Checksum() }

func (s *Segment) Has(flags uint8) bool {
	return s.tcp.Flags()&flags == flags
}

func (s *Segment) SetSource(sock socket.Socket) *Segment {
	s.Src = sock.Addr
	return s.update(func(f *header.TCPFields) { f.SrcPort = sock.Port })
}

func (s *Segment) SetDestination(sock socket.Socket) *Segment {
	s.Dst = sock.Addr
	return s.update(func(f *header.TCPFields) { f.DstPort = sock.Port })
}

func (s *Segment) SetSeq(v seqnum.Value) *Segment {
	return s.update(func(f *header.TCPFields) { f.SeqNum = uint32(v) })
}

func (s *Segment) SetAck(v seqnum.Value) *Segment {
	return s.update(func(f *header.TCPFields) { f.AckNum = uint32(v) })
}

func (s *Segment) SetFlags(flags uint8) *Segment {
	return s.update(func(f *header.TCPFields) { f.Flags = flags })
}

func (s *Segment) SetWindow(w uint16) *Segment {
	return s.update(func(f *header.TCPFields) { f.WindowSize = w })
}

func (s *Segment) SetChecksum(xsum uint16) {
	s.tcp.SetChecksum(xsum)
}

// SetPayload replaces everything after the header (options included) with p.
func (s *Segment) SetPayload(p []byte) *Segment {
	off := int(s.tcp.DataOffset())
	n := off + len(p)
	if cap(s.tcp) < n {
		grown := make(header.TCP, n)
		copy(grown, s.tcp[:off])
		s.tcp = grown
	}
	s.tcp = s.tcp[:n]
	copy(s.tcp[off:], p)
	return s
}

func (s *Segment) Payload() []byte {
	return s.tcp[s.tcp.DataOffset():]
}

// Len is the length of header and payload, the TCP length of the pseudo-header.
func (s *Segment) Len() int {
	return len(s.tcp)
}

func (s *Segment) DataLen() int {
	return len(s.tcp) - int(s.tcp.DataOffset())
}

func (s *Segment) Bytes() []byte {
	return s.tcp
}

// ComputeChecksum folds the pseudo-header and the segment with the internet
// checksum. Over a segment carrying a correct checksum the result is zero.
func (s *Segment) ComputeChecksum() uint16 {
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpip.Address(s.Src.AsSlice()), tcpip.Address(s.Dst.AsSlice()), uint16(len(s.tcp)))
	return ^header.Checksum(s.tcp, xsum)
}

// Finalize zeroes the checksum field and stores the computed checksum.
func (s *Segment) Finalize() {
	s.tcp.SetChecksum(0)
	s.tcp.SetChecksum(s.ComputeChecksum())
}

func FlagString(flags uint8) string {
	var sb strings.Builder
	for _, f := range []struct {
		bit  uint8
		name byte
	}{{FIN, 'F'}, {SYN, 'S'}, {RST, 'R'}, {PSH, 'P'}, {ACK, 'A'}, {URG, 'U'}} {
		if flags&f.bit != 0 {
			sb.WriteByte(f.name)
		}
	}
	return sb.String()
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s -> %s seq=%d ack=%d flags=[%s] win=%d len=%d",
		s.Source(), s.Destination(), s.Seq(), s.Ack(),
		FlagString(s.Flags()), s.Window(), s.DataLen())
}
