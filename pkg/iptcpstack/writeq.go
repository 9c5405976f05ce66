package iptcpstack

import (
	"github.com/pkg/errors"

	"tcpengine/pkg/socket"
)

// QueueOffer puts conn at the back of the write queue unless it is already
// queued or has nothing it may send.
func (s *TCPStack) QueueOffer(conn Connection) error {
	if conn.IsQueued() || !conn.CanSend() {
		return nil
	}
	t := conn.Tuple()
	if e, ok := s.connections[t]; !ok || e.conn != conn {
		s.log.Error().Stringer("tuple", t).Msg("could not find connection to queue")
		return errors.Wrapf(ErrInconsistentRegistry, "queue %s", t)
	}
	s.writeq = append(s.writeq, t)
	conn.SetQueued(true)
	s.log.Debug().Stringer("tuple", t).Int("writeq", len(s.writeq)).Msg("queued")
	return nil
}

// RequestOffer offers conn the budget the network has right now. It is
// called even when that budget is zero since the connection requeues itself.
func (s *TCPStack) RequestOffer(conn Connection) {
	packets := s.network.TransmitQueueAvailable()
	conn.Offer(&packets)
}

// ProcessWriteQ drains the write queue in FIFO order against a budget of
// packets. Each connection takes what it needs from the shared budget.
func (s *TCPStack) ProcessWriteQ(packets int) error {
	for packets > 0 && len(s.writeq) > 0 {
		t := s.writeq[0]
		s.writeq[0] = socket.Tuple{}
		s.writeq = s.writeq[1:]

		e, ok := s.connections[t]
		if !ok {
			s.log.Error().Stringer("tuple", t).Msg("write queue entry without connection")
			return errors.Wrapf(ErrInconsistentRegistry, "drain %s", t)
		}
		e.conn.SetQueued(false)
		e.conn.Offer(&packets)
	}
	if len(s.writeq) == 0 {
		s.writeq = nil
	}
	return nil
}

// smpProcessWriteQ is the budget hook of an engine owned by a core: the
// drain runs later on that core, never on the caller.
func (s *TCPStack) smpProcessWriteQ(packets int) error {
	err := s.config.Core.Dispatch(func() error {
		return s.ProcessWriteQ(packets)
	})
	if err != nil {
		s.log.Warn().Err(err).Int("packets", packets).Msg("write queue drain not dispatched")
	}
	return nil
}

// WriteQueue returns the queued tuples in drain order.
func (s *TCPStack) WriteQueue() []socket.Tuple {
	return append([]socket.Tuple(nil), s.writeq...)
}

func (s *TCPStack) dequeue(t socket.Tuple) {
	for i, q := range s.writeq {
		if q == t {
			s.writeq = append(s.writeq[:i], s.writeq[i+1:]...)
			return
		}
	}
}
