package tcpconn

import (
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/assert"
)

func TestUpdateRTTClamps(t *testing.T) {
	rq := newRetransmissionQueue(100*time.Millisecond, 2*time.Second)
	rq.updateRTT(time.Second)
	assert.Equal(t, time.Second, rq.srtt)
	assert.Equal(t, 2*time.Second, rq.rto)

	for i := 0; i < 100; i++ {
		rq.updateRTT(time.Microsecond)
	}
	assert.Equal(t, 100*time.Millisecond, rq.rto)
}

func TestRemoveAckedSamplesOnlyFreshEntries(t *testing.T) {
	rq := newRetransmissionQueue(time.Millisecond, time.Minute)
	start := time.Now()
	rq.add(100, []byte("aaaa"), false, start)
	rq.add(104, []byte("bbbb"), true, start)
	rq.add(108, []byte("cccc"), false, start)

	rq.removeAcked(104, start.Add(10*time.Millisecond))
	assert.Equal(t, 2, rq.len())
	srtt := rq.srtt
	assert.Less(t, srtt, time.Second)

	// the retransmitted entry ends at 108 and is not sampled
	rq.removeAcked(108, start.Add(time.Hour))
	assert.Equal(t, 1, rq.len())
	assert.Equal(t, srtt, rq.srtt)
}

func TestRewindFromPartialAck(t *testing.T) {
	rq := newRetransmissionQueue(time.Millisecond, time.Minute)
	now := time.Now()
	rq.add(100, []byte("aaaa"), false, now)
	rq.add(104, []byte("bbbb"), false, now)

	assert.Equal(t, []byte("abbbb"), rq.rewind(103))
	assert.Zero(t, rq.len())
}

func TestRewindAcrossWrap(t *testing.T) {
	rq := newRetransmissionQueue(time.Millisecond, time.Minute)
	start := seqnum.Value(0xfffffffe)
	rq.add(start, []byte("wrap"), false, time.Now())
	assert.Equal(t, []byte("ap"), rq.rewind(start.Add(2)))
}
