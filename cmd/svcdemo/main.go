// svcdemo is a minimal service over the runtime: it answers get-me
// requests and, when elected coordinator, drives the liveness ping
// rounds for the whole fleet. Useful as a smoke test against a live
// broker and as the reference wiring for real services.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/cheeseformice/backend/internal/config"
	"github.com/cheeseformice/backend/internal/logging"
	"github.com/cheeseformice/backend/internal/metrics"
	"github.com/cheeseformice/backend/internal/service"
)

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	name := os.Getenv("SERVICE_NAME")
	if name == "" {
		name = "demo"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: name,
	})

	met := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := met.Serve(cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	var opts []service.Option
	if os.Getenv("SERVICE_COORDINATOR") == "true" {
		opts = append(opts, service.WithCoordinator())
	}

	svc := service.New(name, cfg, met, logger, opts...)
	svc.Handle("get-me", func(ctx context.Context, req *service.Request) error {
		return req.Send(map[string]any{"ok": true, "listener": svc.Listener()})
	})
	svc.Handle("count-to", func(ctx context.Context, req *service.Request) error {
		limit := req.Int("limit")
		if limit <= 0 {
			return req.Reject(service.RejectBadRequest, "limit must be positive")
		}
		if err := req.OpenStream(); err != nil {
			return err
		}
		for i := 1; i <= limit; i++ {
			if err := req.Send(i); err != nil {
				return err
			}
		}
		return req.End()
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Service failed")
	}
}
