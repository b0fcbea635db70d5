package config

import (
	"sort"
	"strings"

	"github.com/ogios/interval-task/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs describing their new values, for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if RunnerChanged(oldCfg, newCfg) {
		r := newCfg.Runner
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.String("runner.interval", strings.TrimSpace(r.Interval)),
			logx.String("runner.mode", strings.TrimSpace(r.Mode)),
			logx.Uint64("runner.max_ticks", r.MaxTicks),
			logx.String("runner.align", strings.TrimSpace(r.Align)),
			logx.String("runner.spin", strings.TrimSpace(r.Spin)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	if strings.TrimSpace(oldCfg.Stats.ReportEvery) != strings.TrimSpace(newCfg.Stats.ReportEvery) {
		changed = append(changed, "stats")
		attrs = append(attrs, logx.String("stats.report_every", strings.TrimSpace(newCfg.Stats.ReportEvery)))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.pprof", newCfg.Debug.Pprof),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RunnerChanged reports whether the runner must be rebuilt to apply newCfg.
// Both sides are compared after parsing, so "1s" and "1000ms" are equal.
func RunnerChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	o, oerr := oldCfg.Runner.Settings()
	n, nerr := newCfg.Runner.Settings()
	if oerr != nil || nerr != nil {
		return oldCfg.Runner != newCfg.Runner
	}
	return o.Interval != n.Interval ||
		o.Mode != n.Mode ||
		o.MaxTicks != n.MaxTicks ||
		o.Align != n.Align ||
		o.Location.String() != n.Location.String() ||
		o.Spin != n.Spin ||
		o.OverrunLogEvery != n.OverrunLogEvery
}
