// The updater mirrors the external statistics database into the
// internal one, computes the derived rollups and announces completion
// on the bus. It runs once per invocation; the scheduler owns the
// cadence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/cheeseformice/backend/internal/bus"
	"github.com/cheeseformice/backend/internal/config"
	"github.com/cheeseformice/backend/internal/logging"
	"github.com/cheeseformice/backend/internal/metrics"
	"github.com/cheeseformice/backend/internal/mysqlpool"
	"github.com/cheeseformice/backend/internal/updater"
)

func main() {
	cfg, err := config.LoadUpdater()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "updater",
	})

	met := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := met.Serve(cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	internal, err := mysqlpool.Open(cfg.Internal(), "internal", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Internal database unavailable")
	}
	defer internal.Close()

	external, err := mysqlpool.Open(cfg.External(), "external", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("External database unavailable")
	}
	defer external.Close()

	go internal.Keepalive(ctx)
	go external.Keepalive(ctx)

	announcer := bus.New(cfg.BrokerAddr(), cfg.Reconnect, bus.Events{}, met, logger)
	announcer.Connect(ctx)
	defer announcer.Close()

	u := updater.New(cfg, internal, external, met, logger,
		updater.WithNotifier(announcer))
	if err := u.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Update run failed")
	}
}
