package iptcpstack

import (
	"net/netip"

	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
)

// ReceiveBytes is the ingress entry for a raw TCP segment carried by an IPv4
// datagram from src to dst.
func (s *TCPStack) ReceiveBytes(src, dst netip.Addr, b []byte) {
	seg, err := segment.Parse(src, dst, b)
	if err != nil {
		s.stats.packetsRx.Inc()
		s.stats.dropped.Inc()
		s.log.Debug().Err(err).Stringer("src", src).Msg("dropped malformed segment")
		return
	}
	s.Receive(seg)
}

// Receive validates seg and hands it to its connection, else to a listener,
// else answers it with a reset.
func (s *TCPStack) Receive(seg *segment.Segment) {
	s.stats.packetsRx.Inc()

	if seg.SrcPort() == 0 {
		s.drop(seg, "zero source port")
		return
	}
	if xsum := seg.ComputeChecksum(); xsum != 0 {
		s.log.Debug().Uint16("checksum", xsum).Msg("checksum mismatch")
		s.drop(seg, "bad checksum")
		return
	}

	s.stats.bytesRx.Add(uint64(seg.DataLen()))

	if s.rerouter != nil {
		s.rerouter(seg)
		return
	}

	dst := seg.Destination()
	t := socket.Tuple{Local: dst, Remote: seg.Source()}
	if e, ok := s.connections[t]; ok {
		e.conn.SegmentArrived(seg)
		return
	}

	if l, ok := s.findListener(dst); ok {
		l.SegmentArrived(seg)
		return
	}

	// a reset is never answered
	if !seg.Has(segment.RST) {
		s.sendReset(seg)
	}
	s.drop(seg, "no receiver")
}

func (s *TCPStack) drop(seg *segment.Segment, reason string) {
	s.stats.dropped.Inc()
	s.log.Debug().Str("reason", reason).Stringer("segment", seg).Msg("packet dropped")
}

// CreateOutgoingPacket returns a fresh segment from the interface pool with
// its header initialized.
func (s *TCPStack) CreateOutgoingPacket() *segment.Segment {
	return s.network.CreatePacket().Init()
}

// Transmit checksums seg and hands it to the network layer.
func (s *TCPStack) Transmit(seg *segment.Segment) {
	seg.Finalize()
	s.stats.bytesTx.Add(uint64(seg.DataLen()))
	s.stats.packetsTx.Inc()
	s.network.Send(seg)
}

// sendReset answers in with RST|ACK, seq = in.ack+1 and ack = in.seq+1,
// whether or not in carries an ACK.
func (s *TCPStack) sendReset(in *segment.Segment) {
	out := s.CreateOutgoingPacket()
	out.SetSeq(in.Ack().Add(1)).
		SetAck(in.Seq().Add(1)).
		SetFlags(segment.RST | segment.ACK)
	out.SetSource(in.Destination())
	out.SetDestination(in.Source())
	s.log.Debug().Stringer("to", in.Source()).Msg("sending reset")
	s.Transmit(out)
}
