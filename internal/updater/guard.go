package updater

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const guardSampleInterval = 2 * time.Second

// resourceGuard samples this process and pauses the source-scan
// stages while resident memory sits above the configured limit. The
// filter maps are the main consumer: stalling the scans lets the
// bounded pipes drain and the maps pair off.
type resourceGuard struct {
	memLimit uint64
	log      zerolog.Logger

	proc *process.Process

	paused   atomic.Bool
	memBytes atomic.Uint64
	cpuPct   atomic.Uint64 // percent * 100
}

// newResourceGuard builds a guard limited to memLimitMB resident
// megabytes. Returns nil when the limit is zero (guard disabled) or
// the process handle cannot be obtained.
func newResourceGuard(memLimitMB int, logger zerolog.Logger) *resourceGuard {
	if memLimitMB <= 0 {
		return nil
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Resource guard disabled, no process handle")
		return nil
	}
	return &resourceGuard{
		memLimit: uint64(memLimitMB) * 1024 * 1024,
		log:      logger.With().Str("component", "guard").Logger(),
		proc:     proc,
	}
}

// Sample runs the guard's sampling loop until ctx ends. Run it in its
// own goroutine.
func (g *resourceGuard) Sample(ctx context.Context) {
	ticker := time.NewTicker(guardSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sampleOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (g *resourceGuard) sampleOnce() {
	if pct, err := g.proc.CPUPercent(); err == nil {
		g.cpuPct.Store(uint64(pct * 100))
	}

	if mem, err := g.proc.MemoryInfo(); err == nil {
		g.memBytes.Store(mem.RSS)

		over := mem.RSS > g.memLimit
		if over != g.paused.Load() {
			g.paused.Store(over)
			if over {
				g.log.Warn().
					Uint64("rss", mem.RSS).
					Uint64("limit", g.memLimit).
					Float64("cpu", g.cpu()).
					Msg("Memory limit hit, pausing source scans")
			} else {
				g.log.Info().
					Uint64("rss", mem.RSS).
					Float64("cpu", g.cpu()).
					Msg("Memory back under limit, resuming")
			}
		}
	}
}

// cpu returns the last sampled CPU usage in percent.
func (g *resourceGuard) cpu() float64 {
	return float64(g.cpuPct.Load()) / 100
}

// Wait blocks while the guard is pausing, polling until memory drops
// or ctx ends.
func (g *resourceGuard) Wait(ctx context.Context) error {
	for g.paused.Load() {
		select {
		case <-time.After(guardSampleInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
