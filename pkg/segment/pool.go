package segment

import (
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/header"
)

// Pool hands out outgoing segments sized for one interface MTU.
type Pool struct {
	mtu  int
	pool sync.Pool
}

func NewPool(mtu int) *Pool {
	p := &Pool{mtu: mtu}
	p.pool.New = func() interface{} {
		v := buffer.NewView(p.mtu - IPv4Len)
		return &Segment{tcp: header.TCP(v[:0])}
	}
	return p
}

func (p *Pool) MTU() int {
	return p.mtu
}

// Get returns an initialized, unaddressed segment.
func (p *Pool) Get() *Segment {
	s := p.pool.Get().(*Segment)
	s.Src, s.Dst = netip.Addr{}, netip.Addr{}
	return s.Init()
}

func (p *Pool) Put(s *Segment) {
	if cap(s.tcp) < p.mtu-IPv4Len {
		return
	}
	s.tcp = s.tcp[:0]
	p.pool.Put(s)
}
