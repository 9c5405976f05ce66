package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tcpengine/pkg/host"
	"tcpengine/pkg/lnxconfig"
	"tcpengine/pkg/repl"
)

func main() {
	if len(os.Args) != 3 || os.Args[1] != "--config" {
		fmt.Printf("Usage:  %s --config <config file>\n", os.Args[0])
		os.Exit(1)
	}
	cfg, err := lnxconfig.ParseConfig(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(cfg.Level())

	h, err := host.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up host")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return h.Run(ctx)
	})
	eg.Go(func() error {
		for _, port := range cfg.Listen {
			if err := h.Listen(ctx, port); err != nil {
				cancel()
				return err
			}
			log.Info().Uint16("port", port).Msg("listening")
		}
		return repl.Run(ctx, cancel, h)
	})
	if err := eg.Wait(); err != nil {
		log.Fatal().Err(err).Msg("host stopped")
	}
}
