package socket

import (
	"fmt"
	"net/netip"
)

// Any is the wildcard address. A socket bound to it accepts segments
// addressed to every local address.
var Any = netip.IPv4Unspecified()

// Socket is an (address, port) pair. It is comparable and used directly as a
// map key.
type Socket struct {
	Addr netip.Addr
	Port uint16
}

func New(addr netip.Addr, port uint16) Socket {
	return Socket{Addr: addr, Port: port}
}

// Parse reads "a.b.c.d:port".
func Parse(s string) (Socket, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Socket{}, err
	}
	return Socket{Addr: ap.Addr(), Port: ap.Port()}, nil
}

func (s Socket) IsWildcard() bool {
	return !s.Addr.IsValid() || s.Addr.IsUnspecified()
}

// Wildcard returns the socket with its address replaced by Any.
func (s Socket) Wildcard() Socket {
	return Socket{Addr: Any, Port: s.Port}
}

func (s Socket) String() string {
	if !s.Addr.IsValid() {
		return fmt.Sprintf("%s:%d", Any, s.Port)
	}
	return fmt.Sprintf("%s:%d", s.Addr, s.Port)
}

// Tuple identifies one connection: local socket first, then remote.
type Tuple struct {
	Local  Socket
	Remote Socket
}

func (t Tuple) String() string {
	return t.Local.String() + " -> " + t.Remote.String()
}
