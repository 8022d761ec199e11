package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cheeseformice/backend/internal/config"
	"github.com/cheeseformice/backend/internal/metrics"
	"github.com/cheeseformice/backend/internal/mysqlpool"
)

// progressStep is the granularity of batch progress logging: one line
// every 5% of the table.
const progressStep = 5

// replicatedTables are reconciled source to destination, in no
// particular order; they run concurrently over the shared pools.
var replicatedTables = []string{"player", "tribe", "member"}

// Notifier publishes the end-of-run announcement on the bus.
type Notifier interface {
	Publish(channel, payload string)
}

// Option customizes an Updater.
type Option func(*Updater)

// WithNotifier wires the bus client that carries the "update done"
// announcement to the ranking service.
func WithNotifier(n Notifier) Option {
	return func(u *Updater) { u.notify = n }
}

// Updater is one full reconciliation run: three replicated tables,
// then the derived rollups.
type Updater struct {
	cfg      config.Updater
	internal *mysqlpool.Pool
	external *mysqlpool.Pool
	met      *metrics.Metrics
	log      zerolog.Logger

	notify   Notifier
	scanRate *rate.Limiter
	guard    *resourceGuard
}

// New builds an updater over the two database pools.
func New(cfg config.Updater, internal, external *mysqlpool.Pool, met *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Updater {
	u := &Updater{
		cfg:      cfg,
		internal: internal,
		external: external,
		met:      met,
		log:      logger.With().Str("component", "updater").Logger(),
	}
	u.guard = newResourceGuard(cfg.GuardMemLimitMB, u.log)
	if cfg.ScanRate > 0 {
		// Paces warm-path source scans, the upstream is shared.
		u.scanRate = rate.NewLimiter(rate.Limit(cfg.ScanRate), 1)
	}

	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run executes one full update: replicate the three tables
// concurrently, then compute the post-update rollups, then announce
// completion. Any stage failure cancels the whole run; partial staging
// writes are truncated by the next run.
func (u *Updater) Run(ctx context.Context) error {
	start := time.Now()
	u.log.Info().Msg("Update run starting")

	if u.guard != nil {
		guardCtx, stopGuard := context.WithCancel(ctx)
		defer stopGuard()
		go u.guard.Sample(guardCtx)
	}

	metas := make([]*mysqlpool.Meta, len(replicatedTables))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range replicatedTables {
		i, name := i, name
		g.Go(func() error {
			meta, err := u.syncTable(gctx, name)
			if err != nil {
				return fmt.Errorf("sync %s: %w", name, err)
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byName := make(map[string]*mysqlpool.Meta, len(metas))
	for i, name := range replicatedTables {
		byName[name] = metas[i]
	}

	if err := u.postUpdate(ctx, byName["player"], byName["tribe"]); err != nil {
		return fmt.Errorf("post update: %w", err)
	}

	u.announce()
	u.log.Info().Dur("took", time.Since(start)).Msg("Update run done")
	return nil
}

// announce tells the ranking service new data is in. Best effort: the
// data is already committed, a missed announcement only delays cache
// refreshes until the next run.
func (u *Updater) announce() {
	if u.notify == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"type":         "request",
		"source":       "updater",
		"worker":       0,
		"request_type": "new-update",
		"request_id":   uuid.NewString(),
	})
	if err != nil {
		u.log.Warn().Err(err).Msg("Announce encode failed")
		return
	}
	u.notify.Publish("service:ranking@0", string(payload))
	u.log.Info().Msg("Announced update completion")
}

// pace blocks while the resource guard or the scan limiter demand it.
func (u *Updater) pace(ctx context.Context) error {
	if u.guard != nil {
		if err := u.guard.Wait(ctx); err != nil {
			return err
		}
	}
	if u.scanRate != nil {
		return u.scanRate.Wait(ctx)
	}
	return nil
}
