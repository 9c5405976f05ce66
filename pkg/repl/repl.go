package repl

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"tcpengine/pkg/host"
	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/smp"
	"tcpengine/pkg/socket"
)

var errUsage = errors.New("usage")

type command struct {
	usage string
	help  string
	run   func(r *Repl, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":  {"help", "list commands", (*Repl).cmdHelp},
		"li":    {"li", "show the interface", (*Repl).cmdInterface},
		"ls":    {"ls", "list listeners and connections per core", (*Repl).cmdList},
		"lq":    {"lq", "show write queues per core", (*Repl).cmdWriteQueues},
		"stats": {"stats [prefix]", "print counters", (*Repl).cmdStats},
		"a":     {"a <port>", "listen on port", (*Repl).cmdListen},
		"x":     {"x <port>", "stop listening on port", (*Repl).cmdUnlisten},
		"c":     {"c <addr> <port>", "connect", (*Repl).cmdConnect},
		"s":     {"s <id> <data>", "send data on a socket", (*Repl).cmdSend},
		"r":     {"r <id> <bytes>", "read buffered data from a socket", (*Repl).cmdRead},
		"cl":    {"cl <id>", "close a socket", (*Repl).cmdClose},
		"ab":    {"ab <id>", "reset a socket", (*Repl).cmdAbort},
		"pmtu":  {"pmtu <addr> <mtu>", "put a narrower link on the path to addr, 0 removes it", (*Repl).cmdPathMTU},
	}
}

type Repl struct {
	host *host.Host
	out  io.Writer
}

func New(h *host.Host, out io.Writer) *Repl {
	return &Repl{host: h, out: out}
}

// Run reads commands until EOF or ctx is done, then calls cancel.
func Run(ctx context.Context, cancel context.CancelFunc, h *host.Host) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return errors.Wrap(err, "failed to create readline")
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		rl.Close()
	}()

	r := New(h, rl.Stdout())
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			cancel()
			return nil
		}
		if l := strings.TrimSpace(line); l == "q" || l == "exit" {
			cancel()
			return nil
		}
		if err := r.Execute(ctx, line); err != nil {
			fmt.Fprintln(r.out, err)
		}
	}
}

// Execute runs one command line.
func (r *Repl) Execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, ok := commands[parts[0]]
	if !ok {
		return errors.Errorf("unknown command %q, try help", parts[0])
	}
	err := cmd.run(r, ctx, parts[1:])
	if errors.Is(err, errUsage) {
		return errors.Errorf("usage: %s", cmd.usage)
	}
	return err
}

func (r *Repl) cmdHelp(_ context.Context, _ []string) error {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	for _, name := range []string{"li", "ls", "lq", "stats", "a", "x", "c", "s", "r", "cl", "ab", "pmtu", "help"} {
		c := commands[name]
		fmt.Fprintf(w, "%s\t%s\n", c.usage, c.help)
	}
	fmt.Fprintln(w, "q\tquit")
	return w.Flush()
}

func (r *Repl) cmdInterface(_ context.Context, _ []string) error {
	n := r.host.Net
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tAddrs\tMTU\tPMTUD\tTxQ free")
	addrs := make([]string, len(n.Addrs()))
	for i, a := range n.Addrs() {
		addrs[i] = a.String()
	}
	fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%d\n", n.IfName(), strings.Join(addrs, ","), n.MTU(), n.PathMTUDiscovery(), n.TransmitQueueAvailable())
	return w.Flush()
}

func (r *Repl) cmdList(ctx context.Context, _ []string) error {
	return r.host.Each(ctx, func(core *smp.Core, e *iptcpstack.TCPStack) error {
		fmt.Fprintf(r.out, "--- cpu%d ---\n%s", core.ID(), e)
		return nil
	})
}

func (r *Repl) cmdWriteQueues(ctx context.Context, _ []string) error {
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "CPU\tQueued\tHead")
	err := r.host.Each(ctx, func(core *smp.Core, e *iptcpstack.TCPStack) error {
		q := e.WriteQueue()
		head := "-"
		if len(q) > 0 {
			head = q[0].String()
		}
		fmt.Fprintf(w, "%d\t%d\t%s\n", core.ID(), len(q), head)
		return nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

func (r *Repl) cmdStats(_ context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(r.out, r.host.Stats)
		return nil
	}
	snap := r.host.Stats.Snapshot(args[0])
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(r.out, "%s: %d\n", name, snap[name])
	}
	return nil
}

func (r *Repl) cmdListen(ctx context.Context, args []string) error {
	port, err := portArg(args, 0)
	if err != nil {
		return err
	}
	if err := r.host.Listen(ctx, port); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "listening on port %d\n", port)
	return nil
}

func (r *Repl) cmdUnlisten(ctx context.Context, args []string) error {
	port, err := portArg(args, 0)
	if err != nil {
		return err
	}
	closed, err := r.host.Unlisten(ctx, port)
	if err != nil {
		return err
	}
	if !closed {
		return errors.Errorf("not listening on port %d", port)
	}
	fmt.Fprintf(r.out, "closed port %d\n", port)
	return nil
}

func (r *Repl) cmdConnect(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "bad address")
	}
	port, err := portArg(args, 1)
	if err != nil {
		return err
	}
	id, err := r.host.Connect(ctx, socket.New(addr, port))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "socket %d connecting to %s\n", id, socket.New(addr, port))
	return nil
}

func (r *Repl) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errUsage
	}
	n, err := r.host.Write(ctx, id, []byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "sent %d bytes\n", n)
	return nil
}

func (r *Repl) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errUsage
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return errUsage
	}
	data, err := r.host.Read(ctx, id, n)
	if err == io.EOF {
		fmt.Fprintln(r.out, "peer closed")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "read %d bytes: %s\n", len(data), data)
	return nil
}

func (r *Repl) cmdClose(ctx context.Context, args []string) error {
	id, err := idArg(args)
	if err != nil {
		return err
	}
	return r.host.Close(ctx, id)
}

func (r *Repl) cmdAbort(ctx context.Context, args []string) error {
	id, err := idArg(args)
	if err != nil {
		return err
	}
	return r.host.Abort(ctx, id)
}

func (r *Repl) cmdPathMTU(_ context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return errors.Wrap(err, "bad address")
	}
	mtu, err := strconv.Atoi(args[1])
	if err != nil || mtu < 0 {
		return errUsage
	}
	r.host.Net.SetPathMTU(addr, mtu)
	return nil
}

func portArg(args []string, i int) (uint16, error) {
	if len(args) <= i {
		return 0, errUsage
	}
	p, err := strconv.ParseUint(args[i], 10, 16)
	if err != nil || p == 0 {
		return 0, errUsage
	}
	return uint16(p), nil
}

func idArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, errUsage
	}
	return id, nil
}
