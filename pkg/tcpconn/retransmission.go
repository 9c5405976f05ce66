package tcpconn

import (
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

type retransmissionEntry struct {
	data    []byte
	seq     seqnum.Value
	sent    time.Time
	retries uint32
}

func (e *retransmissionEntry) end() seqnum.Value {
	return e.seq.Add(seqnum.Size(len(e.data)))
}

// retransmissionQueue holds sent but unacknowledged data in sequence order
// and keeps the RFC 793 round trip estimate.
type retransmissionQueue struct {
	entries []*retransmissionEntry
	srtt    time.Duration // smoothed RTT
	alpha   float64       // smoothing factor
	beta    float64       // RTO multiplier
	rtoMin  time.Duration
	rtoMax  time.Duration
	rto     time.Duration
}

func newRetransmissionQueue(rtoMin, rtoMax time.Duration) *retransmissionQueue {
	return &retransmissionQueue{
		srtt:   time.Second,
		alpha:  0.875,
		beta:   2.0,
		rtoMin: rtoMin,
		rtoMax: rtoMax,
		rto:    time.Second,
	}
}

// updateRTT: SRTT = a*SRTT + (1-a)*RTT, RTO = clamp(b*SRTT).
func (rq *retransmissionQueue) updateRTT(measured time.Duration) {
	rq.srtt = time.Duration(float64(rq.srtt)*rq.alpha + float64(measured)*(1-rq.alpha))
	rq.rto = time.Duration(float64(rq.srtt) * rq.beta)
	if rq.rto < rq.rtoMin {
		rq.rto = rq.rtoMin
	}
	if rq.rto > rq.rtoMax {
		rq.rto = rq.rtoMax
	}
}

// add records data sent at seq. Data sent again after a rewind is never
// sampled for RTT.
func (rq *retransmissionQueue) add(seq seqnum.Value, data []byte, retransmitted bool, now time.Time) {
	e := &retransmissionEntry{
		data: make([]byte, len(data)),
		seq:  seq,
		sent: now,
	}
	if retransmitted {
		e.retries = 1
	}
	copy(e.data, data)
	rq.entries = append(rq.entries, e)
}

// removeAcked drops every entry that ends at or before ack.
func (rq *retransmissionQueue) removeAcked(ack seqnum.Value, now time.Time) {
	kept := rq.entries[:0]
	for _, e := range rq.entries {
		end := e.end()
		switch {
		case ack.LessThan(end):
			kept = append(kept, e)
		case end == ack && e.retries == 0:
			rq.updateRTT(now.Sub(e.sent))
		}
	}
	for i := len(kept); i < len(rq.entries); i++ {
		rq.entries[i] = nil
	}
	rq.entries = kept
}

// rewind empties the queue and returns the unacknowledged bytes from una on.
func (rq *retransmissionQueue) rewind(una seqnum.Value) []byte {
	var out []byte
	for _, e := range rq.entries {
		data := e.data
		if e.seq.LessThan(una) {
			skip := int(e.seq.Size(una))
			if skip >= len(data) {
				continue
			}
			data = data[skip:]
		}
		out = append(out, data...)
	}
	rq.entries = nil
	return out
}

func (rq *retransmissionQueue) len() int {
	return len(rq.entries)
}
