package host

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/smp"
	"tcpengine/pkg/socket"
	"tcpengine/pkg/tcpconn"
)

var ErrNoSocket = errors.New("no such socket")

// Socket is a connection known to the host by a small integer id.
type Socket struct {
	ID     int
	Core   *smp.Core
	Conn   *tcpconn.Conn
	Active bool
}

type socketTable struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]*Socket
}

func newSocketTable() *socketTable {
	return &socketTable{byID: make(map[int]*Socket)}
}

func (t *socketTable) add(core *smp.Core, c *tcpconn.Conn, active bool) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Socket{ID: t.nextID, Core: core, Conn: c, Active: active}
	t.nextID++
	t.byID[s.ID] = s
	return s
}

func (t *socketTable) get(id int) (*Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *socketTable) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

func (t *socketTable) list() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Socket, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sockets lists open sockets ordered by id.
func (h *Host) Sockets() []*Socket {
	return h.sockets.list()
}

// track removes the socket from the table once its connection closes.
func (h *Host) track(core *smp.Core, c *tcpconn.Conn, active bool) *Socket {
	s := h.sockets.add(core, c, active)
	c.OnCleanup(func(iptcpstack.Connection) {
		h.sockets.remove(s.ID)
	})
	return s
}

// Listen opens port on the wildcard address of every core. Accepted
// connections are added to the socket table.
func (h *Host) Listen(ctx context.Context, port uint16) error {
	sock := socket.New(socket.Any, port)
	return h.Each(ctx, func(core *smp.Core, e *iptcpstack.TCPStack) error {
		_, err := e.Listen(sock, func(c iptcpstack.Connection) {
			s := h.track(core, c.(*tcpconn.Conn), false)
			log.Info().Int("socket", s.ID).Stringer("remote", c.Remote()).Msg("accepted")
		})
		return err
	})
}

// Unlisten closes port on every core.
func (h *Host) Unlisten(ctx context.Context, port uint16) (bool, error) {
	sock := socket.New(socket.Any, port)
	var closed bool
	err := h.Each(ctx, func(_ *smp.Core, e *iptcpstack.TCPStack) error {
		if e.Close(sock) {
			closed = true
		}
		return nil
	})
	return closed, err
}

// Connect opens a connection to remote on the core that owns its flow and
// returns the socket id.
func (h *Host) Connect(ctx context.Context, remote socket.Socket) (int, error) {
	core := h.Group.Pick(remote.Addr, remote.Port)
	id := -1
	err := h.Do(ctx, core, func(e *iptcpstack.TCPStack) error {
		c, err := e.Connect(remote, nil)
		if err != nil {
			return err
		}
		id = h.track(core, c.(*tcpconn.Conn), true).ID
		return nil
	})
	return id, err
}

func (h *Host) withSocket(ctx context.Context, id int, fn func(*tcpconn.Conn) error) error {
	s, ok := h.sockets.get(id)
	if !ok {
		return errors.Wrapf(ErrNoSocket, "%d", id)
	}
	return h.Do(ctx, s.Core, func(*iptcpstack.TCPStack) error {
		return fn(s.Conn)
	})
}

func (h *Host) Write(ctx context.Context, id int, data []byte) (int, error) {
	var n int
	err := h.withSocket(ctx, id, func(c *tcpconn.Conn) error {
		var err error
		n, err = c.Write(data)
		return err
	})
	return n, err
}

// Read returns up to limit buffered bytes without waiting for more.
func (h *Host) Read(ctx context.Context, id int, limit int) ([]byte, error) {
	buf := make([]byte, limit)
	var n int
	err := h.withSocket(ctx, id, func(c *tcpconn.Conn) error {
		var err error
		n, err = c.Read(buf)
		return err
	})
	return buf[:n], err
}

func (h *Host) Close(ctx context.Context, id int) error {
	return h.withSocket(ctx, id, func(c *tcpconn.Conn) error {
		c.Close()
		return nil
	})
}

func (h *Host) Abort(ctx context.Context, id int) error {
	return h.withSocket(ctx, id, func(c *tcpconn.Conn) error {
		c.Abort()
		return nil
	})
}

// State returns the connection state and a one line summary.
func (h *Host) State(ctx context.Context, id int) (string, string, error) {
	var state, summary string
	err := h.withSocket(ctx, id, func(c *tcpconn.Conn) error {
		state, summary = c.State(), c.String()
		return nil
	})
	return state, summary, err
}
