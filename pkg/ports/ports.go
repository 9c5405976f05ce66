// Package ports keeps the per-address tables of bound TCP ports and hands out
// ephemeral ports.
package ports

import (
	"math/rand"
	"net/netip"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"tcpengine/pkg/socket"
)

const (
	EphemeralFirst uint16 = 49152
	EphemeralLast  uint16 = 65535

	degree = 16
)

var (
	ErrInUse     = errors.New("port already in use")
	ErrExhausted = errors.New("no free ephemeral port")
)

// Table is the set of ports bound on one address plus the cursor used for
// ephemeral allocation.
type Table struct {
	bound  *btree.BTreeG[uint16]
	cursor uint16
}

func NewTable(cursor uint16) *Table {
	if cursor < EphemeralFirst {
		cursor = EphemeralFirst
	}
	return &Table{
		bound:  btree.NewOrderedG[uint16](degree),
		cursor: cursor,
	}
}

func (t *Table) IsBound(port uint16) bool {
	return t.bound.Has(port)
}

func (t *Table) Bind(port uint16) {
	t.bound.ReplaceOrInsert(port)
}

func (t *Table) Unbind(port uint16) bool {
	_, ok := t.bound.Delete(port)
	return ok
}

func (t *Table) Len() int {
	return t.bound.Len()
}

// NextEphemeral returns the first unbound port at or after the cursor,
// wrapping around the ephemeral range once. The port is not bound.
func (t *Table) NextEphemeral() (uint16, error) {
	port, ok := t.firstFree(t.cursor, EphemeralLast)
	if !ok && t.cursor > EphemeralFirst {
		port, ok = t.firstFree(EphemeralFirst, t.cursor-1)
	}
	if !ok {
		return 0, ErrExhausted
	}
	if port == EphemeralLast {
		t.cursor = EphemeralFirst
	} else {
		t.cursor = port + 1
	}
	return port, nil
}

// firstFree walks the bound ports in [from, to] in order and stops at the
// first gap.
func (t *Table) firstFree(from, to uint16) (uint16, bool) {
	candidate := uint32(from)
	t.bound.AscendGreaterOrEqual(from, func(p uint16) bool {
		if uint32(p) != candidate || candidate > uint32(to) {
			return false
		}
		candidate++
		return true
	})
	if candidate > uint32(to) {
		return 0, false
	}
	return uint16(candidate), true
}

// Namespace maps local addresses to their port tables. The wildcard address
// has its own table; a port bound there is bound for every address.
type Namespace struct {
	mu     sync.Mutex
	tables map[netip.Addr]*Table
	rnd    *rand.Rand
}

func NewNamespace(seed int64) *Namespace {
	return &Namespace{
		tables: make(map[netip.Addr]*Table),
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

func (n *Namespace) table(addr netip.Addr) *Table {
	t, ok := n.tables[addr]
	if !ok {
		span := int(EphemeralLast-EphemeralFirst) + 1
		t = NewTable(EphemeralFirst + uint16(n.rnd.Intn(span)))
		n.tables[addr] = t
	}
	return t
}

func key(addr netip.Addr) netip.Addr {
	if !addr.IsValid() {
		return socket.Any
	}
	return addr
}

func (n *Namespace) IsBound(s socket.Socket) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.isBound(s)
}

func (n *Namespace) isBound(s socket.Socket) bool {
	addr := key(s.Addr)
	if t, ok := n.tables[addr]; ok && t.IsBound(s.Port) {
		return true
	}
	if addr != socket.Any {
		if t, ok := n.tables[socket.Any]; ok && t.IsBound(s.Port) {
			return true
		}
	}
	return false
}

func (n *Namespace) Bind(s socket.Socket) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isBound(s) {
		return errors.Wrap(ErrInUse, s.String())
	}
	n.table(key(s.Addr)).Bind(s.Port)
	return nil
}

// BindEphemeral allocates and binds the next free ephemeral port on addr.
func (n *Namespace) BindEphemeral(addr netip.Addr) (socket.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr = key(addr)
	t := n.table(addr)
	span := int(EphemeralLast-EphemeralFirst) + 1
	for i := 0; i < span; i++ {
		port, err := t.NextEphemeral()
		if err != nil {
			return socket.Socket{}, errors.Wrap(err, addr.String())
		}
		s := socket.New(addr, port)
		// the wildcard table may hold a port this table does not
		if n.isBound(s) {
			continue
		}
		t.Bind(port)
		return s, nil
	}
	return socket.Socket{}, errors.Wrap(ErrExhausted, addr.String())
}

func (n *Namespace) Unbind(s socket.Socket) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tables[key(s.Addr)]
	if !ok {
		return false
	}
	return t.Unbind(s.Port)
}
