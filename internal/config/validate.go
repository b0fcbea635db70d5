package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ogios/interval-task/internal/debughttp"
	"github.com/ogios/interval-task/internal/schedule"
	"github.com/ogios/interval-task/pkg/logx"
)

// RunnerSettings is RunnerConfig with every field parsed.
type RunnerSettings struct {
	Interval        time.Duration
	Mode            string
	MaxTicks        uint64
	Align           string
	Location        *time.Location
	Spin            time.Duration
	OverrunLogEvery time.Duration
}

// Settings parses and validates the runner section.
func (r RunnerConfig) Settings() (RunnerSettings, error) {
	iv, err := schedule.ParseInterval(r.Interval)
	if err != nil {
		return RunnerSettings{}, fmt.Errorf("runner.interval: %w", err)
	}
	mode := strings.ToLower(strings.TrimSpace(r.Mode))
	if mode == "" {
		mode = ModeExternal
	}
	if mode != ModeExternal && mode != ModeInternal {
		return RunnerSettings{}, fmt.Errorf("runner.mode: unknown mode %q (use %q or %q)", r.Mode, ModeExternal, ModeInternal)
	}
	if r.MaxTicks > 0 && mode != ModeInternal {
		return RunnerSettings{}, errors.New("runner.max_ticks: only valid with mode internal")
	}

	loc := time.Local
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return RunnerSettings{}, fmt.Errorf("runner.timezone: %w", err)
		}
	}
	if err := schedule.ValidateAlignment(r.Align); err != nil {
		return RunnerSettings{}, fmt.Errorf("runner.align: %w", err)
	}

	spin, err := ParseDurationField("runner.spin", r.Spin)
	if err != nil {
		return RunnerSettings{}, err
	}
	overrun, err := ParseDurationOrDefault("runner.overrun_log_every", r.OverrunLogEvery, time.Second)
	if err != nil {
		return RunnerSettings{}, err
	}

	return RunnerSettings{
		Interval:        iv.Every,
		Mode:            mode,
		MaxTicks:        r.MaxTicks,
		Align:           strings.TrimSpace(r.Align),
		Location:        loc,
		Spin:            spin,
		OverrunLogEvery: overrun,
	}, nil
}

// Validate checks the whole config. It is used both at startup and before a
// reloaded config is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.Runner.Settings(); err != nil {
		return err
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return errors.New("logging.file.path: required when file logging is enabled")
	}
	if _, err := ParseDurationField("stats.report_every", c.Stats.ReportEvery); err != nil {
		return err
	}
	if c.Debug.Enabled {
		dc := c.DebugConfig()
		if err := debughttp.CheckBind(dc.Addr, dc.Token, dc.AllowInsecure); err != nil {
			return fmt.Errorf("debug.addr: %w", err)
		}
	}
	return nil
}

// DebugConfig maps the debug section onto debughttp, filling the default addr.
func (c *Config) DebugConfig() debughttp.Config {
	addr := strings.TrimSpace(c.Debug.Addr)
	if addr == "" {
		addr = debughttp.DefaultAddr
	}
	return debughttp.Config{
		Enabled:       c.Debug.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(c.Debug.Token),
		AllowInsecure: c.Debug.AllowInsecure,
		Pprof:         c.Debug.Pprof,
	}
}

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// ParseDurationField parses an optional, non-negative duration. path names
// the field in error messages. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
