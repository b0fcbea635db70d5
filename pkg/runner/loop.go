package runner

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "github.com/ogios/interval-task/pkg/logx"
)

// Stats is a best-effort snapshot of a loop's timing.
type Stats struct {
	// Ticks counts task invocations.
	Ticks uint64 `json:"ticks"`
	// Overruns counts ticks whose task ran for at least the interval (no sleep).
	Overruns uint64 `json:"overruns"`
	// LastDrift is the timing error carried into the next tick.
	LastDrift time.Duration `json:"last_drift"`
	// MaxOverrun is the largest amount by which a tick exceeded the interval.
	MaxOverrun time.Duration `json:"max_overrun"`
}

type loopStats struct {
	ticks      atomic.Uint64
	overruns   atomic.Uint64
	lastDrift  atomic.Int64
	maxOverrun atomic.Int64
}

func (s *loopStats) snapshot() Stats {
	return Stats{
		Ticks:      s.ticks.Load(),
		Overruns:   s.overruns.Load(),
		LastDrift:  time.Duration(s.lastDrift.Load()),
		MaxOverrun: time.Duration(s.maxOverrun.Load()),
	}
}

// loop invokes step once per interval until step returns true or, when stop
// is non-nil, a value is received from stop. Stop is only polled between
// ticks; a running step is never interrupted.
//
// lastOverrun holds the error of the previous sleep phase and shifts the next
// frame start back by that much, so the period between task starts averages
// out to the interval.
func loop(cfg *config, stats *loopStats, step func() bool, stop <-chan struct{}) {
	clk := cfg.clock
	interval := cfg.interval

	var warn *rate.Limiter
	if cfg.overrunLogEvery > 0 && !cfg.log.IsZero() {
		warn = rate.NewLimiter(rate.Every(cfg.overrunLogEvery), 1)
	}

	var lastOverrun time.Duration
	for {
		frameStart := clk.Now().Add(-lastOverrun)

		if stop != nil {
			select {
			case <-stop:
				return
			default:
			}
		}

		done := step()
		stats.ticks.Add(1)
		if done {
			return
		}

		elapsed := clk.Now().Sub(frameStart)
		phaseStart := clk.Now()
		if gap := interval - elapsed; gap > 0 {
			clk.Sleep(gap)
			lastOverrun = clk.Now().Sub(phaseStart) - gap
		} else {
			// No sleep this tick; the task alone used up the budget.
			lastOverrun = clk.Now().Sub(phaseStart)
			over := -gap
			stats.overruns.Add(1)
			if int64(over) > stats.maxOverrun.Load() {
				stats.maxOverrun.Store(int64(over))
			}
			if warn != nil && warn.Allow() {
				cfg.log.Warn("tick overran interval",
					logx.Duration("interval", interval),
					logx.Duration("elapsed", elapsed),
					logx.Uint64("overruns", stats.overruns.Load()),
				)
			}
		}
		stats.lastDrift.Store(int64(lastOverrun))
	}
}
