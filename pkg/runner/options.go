package runner

import (
	"time"

	logx "github.com/ogios/interval-task/pkg/logx"
)

type config struct {
	interval        time.Duration
	clock           Clock
	log             logx.Logger
	name            string
	overrunLogEvery time.Duration
}

// Option configures a runner at construction time.
type Option func(*config)

// WithClock replaces the system clock (tests, SpinClock).
func WithClock(c Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithLogger sets the logger used for lifecycle and overrun messages.
// The default is a no-op logger.
func WithLogger(l logx.Logger) Option {
	return func(cfg *config) { cfg.log = l }
}

// WithName labels log lines of this runner.
func WithName(name string) Option {
	return func(cfg *config) { cfg.name = name }
}

// WithOverrunLogEvery limits overrun warnings to one per d.
// Use d <= 0 to disable overrun warnings.
func WithOverrunLogEvery(d time.Duration) Option {
	return func(cfg *config) { cfg.overrunLogEvery = d }
}

func newConfig(interval time.Duration, opts []Option) (config, error) {
	if interval <= 0 {
		return config{}, ErrInvalidInterval
	}
	cfg := config{
		interval:        interval,
		clock:           SystemClock{},
		overrunLogEvery: time.Second,
	}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.name != "" {
		cfg.log = cfg.log.With(logx.String("runner", cfg.name))
	}
	return cfg, nil
}
