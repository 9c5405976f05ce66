// Package host assembles one interface, a group of cores and one TCP engine
// per core, and exposes socket operations that run on the owning core.
package host

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tcpengine/pkg/ipstack"
	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/lnxconfig"
	"tcpengine/pkg/segment"
	"tcpengine/pkg/smp"
	"tcpengine/pkg/socket"
	"tcpengine/pkg/stats"
	"tcpengine/pkg/tcpconn"
)

type Host struct {
	Net     *ipstack.IPStack
	Group   *smp.Group
	Engines []*iptcpstack.TCPStack
	Stats   *stats.Registry

	flushEvery time.Duration
	sockets    *socketTable
}

func New(cfg *lnxconfig.IPConfig) (*Host, error) {
	reg := stats.NewRegistry()
	ncfg := cfg.Network()
	ncfg.Stats = reg
	network, err := ipstack.New(ncfg)
	if err != nil {
		return nil, err
	}
	for addr, mtu := range cfg.PathMTU() {
		network.SetPathMTU(addr, mtu)
	}

	h := &Host{
		Net:        network,
		Group:      smp.NewGroup(cfg.SMP, cfg.TaskBacklog),
		Stats:      reg,
		flushEvery: cfg.FlushInterval.Std(),
		sockets:    newSocketTable(),
	}

	opts := cfg.ConnOptions()
	for _, core := range h.Group.Cores() {
		ecfg := cfg.EngineConfig()
		ecfg.Stats = reg
		ecfg.NewConnection = tcpconn.NewFactory(opts)
		ecfg.NewListener = tcpconn.NewListenerFactory(opts)
		// a single core flushes and drains in the same task
		if h.Group.Len() > 1 {
			ecfg.Core = core
		}
		engine, err := iptcpstack.New(network, ecfg)
		if err != nil {
			return nil, errors.Wrapf(err, "cpu%d", core.ID())
		}
		h.Engines = append(h.Engines, engine)
	}

	network.OnOutput(h.deliver)
	network.OnError(h.report)
	network.OnPathMTUIncrease(h.raise)
	return h, nil
}

// deliver hands a segment leaving the interface back to the engine owning
// its flow; every segment from one peer socket lands on the same core.
func (h *Host) deliver(seg *segment.Segment) {
	core := h.Group.Pick(seg.Src, seg.SrcPort())
	engine := h.Engines[core.ID()]
	err := core.Dispatch(func() error {
		engine.Receive(seg)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Stringer("segment", seg).Msg("receive not dispatched")
	}
}

func (h *Host) report(nerr iptcpstack.NetError, dest socket.Socket) {
	core := h.Group.Pick(dest.Addr, dest.Port)
	engine := h.Engines[core.ID()]
	err := core.Dispatch(func() error {
		engine.ErrorReport(nerr, dest)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Stringer("dest", dest).Msg("error report not dispatched")
	}
}

func (h *Host) raise(dest socket.Socket, mtu int) {
	core := h.Group.Pick(dest.Addr, dest.Port)
	engine := h.Engines[core.ID()]
	err := core.Dispatch(func() error {
		engine.ResetPMTU(dest, mtu)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Stringer("dest", dest).Msg("path mtu raise not dispatched")
	}
}

// Run drives the cores and flushes the interface until ctx is cancelled or
// a core fails.
func (h *Host) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return h.Group.Run(ctx)
	})
	eg.Go(func() error {
		t := time.NewTicker(h.flushEvery)
		defer t.Stop()
		first := h.Group.Cores()[0]
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if ctx.Err() != nil {
					return nil
				}
				err := first.Dispatch(h.Net.Flush)
				switch {
				case err == nil, errors.Is(err, smp.ErrBacklogFull):
				case errors.Is(err, smp.ErrStopped):
					// the cores shut down first
					return nil
				default:
					return err
				}
			}
		}
	})
	return eg.Wait()
}

// Do runs fn on core against that core's engine and waits for it.
func (h *Host) Do(ctx context.Context, core *smp.Core, fn func(*iptcpstack.TCPStack) error) error {
	engine := h.Engines[core.ID()]
	return core.Do(ctx, func() error {
		return fn(engine)
	})
}

// Each runs fn on every core in turn.
func (h *Host) Each(ctx context.Context, fn func(*smp.Core, *iptcpstack.TCPStack) error) error {
	for _, core := range h.Group.Cores() {
		core := core
		err := h.Do(ctx, core, func(e *iptcpstack.TCPStack) error {
			return fn(core, e)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
