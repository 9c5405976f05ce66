package iptcpstack

import (
	"tcpengine/pkg/segment"
	"tcpengine/pkg/socket"
)

// ErrorReport reacts to an error signal for traffic sent to dest. Only a
// too-big report with PMTU discovery enabled changes anything: every
// connection to dest whose SMSS exceeds the new one is shrunk, restarted in
// slow start and retransmits its oldest unacknowledged data. Reports that do
// not lower the SMSS are duplicates or stale and are ignored.
func (s *TCPStack) ErrorReport(err NetError, dest socket.Socket) {
	if !err.IsTooBig() {
		s.log.Debug().Err(err).Stringer("dest", dest).Msg("error report ignored")
		return
	}
	if !s.network.PathMTUDiscovery() || err.PMTU < s.network.MinimumMTU() {
		s.log.Debug().Int("pmtu", err.PMTU).Stringer("dest", dest).Msg("pmtu report ignored")
		return
	}

	smss := err.PMTU - segment.IPv4Len - segment.HeaderLen
	for t, e := range s.connections {
		if t.Remote != dest {
			continue
		}
		c := e.conn
		if c.SMSS() <= smss {
			continue
		}
		s.log.Debug().Stringer("tuple", t).Int("from", c.SMSS()).Int("to", smss).Msg("lowering smss")
		c.SetSMSS(smss)
		c.ReduceSsthresh()
		c.Retransmit()
	}
}

// ResetPMTU raises (or sets) the SMSS of connections to dest after the path
// MTU grew. Nothing is retransmitted.
func (s *TCPStack) ResetPMTU(dest socket.Socket, mtu int) {
	if !s.network.PathMTUDiscovery() || mtu < s.network.MinimumMTU() {
		return
	}
	smss := mtu - segment.IPv4Len - segment.HeaderLen
	for t, e := range s.connections {
		if t.Remote == dest {
			e.conn.SetSMSS(smss)
		}
	}
}
