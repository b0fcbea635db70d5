package config

type Config struct {
	Runner  RunnerConfig  `json:"runner"`
	Logging LoggingConfig `json:"logging"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
	Stats   StatsConfig   `json:"stats,omitempty"`
	Debug   DebugConfig   `json:"debug,omitempty"`
}

const (
	ModeExternal = "external"
	ModeInternal = "internal"
)

// RunnerConfig controls the periodic loop.
//
// Example:
//
//	"runner": { "interval": "120hz", "mode": "external", "spin": "500us" }
type RunnerConfig struct {
	// Interval accepts a Go duration, HH:MM, "<n>hz" or "@every <dur>".
	Interval string `json:"interval"`

	// Mode is "external" (default: stopped by the daemon) or "internal"
	// (the task stops itself after max_ticks, or when the daemon shuts down).
	Mode string `json:"mode,omitempty"`

	// MaxTicks stops an internal runner after that many ticks. 0 = unbounded.
	MaxTicks uint64 `json:"max_ticks,omitempty"`

	// Align is an optional cron spec; the first tick waits for its next activation.
	Align    string `json:"align,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Spin is the busy-wait threshold at the end of each sleep (e.g. "500us").
	// Empty or "0s" uses plain sleeps.
	Spin string `json:"spin,omitempty"`

	// OverrunLogEvery limits overrun warnings. Default "1s"; "0s" keeps the default.
	OverrunLogEvery string `json:"overrun_log_every,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SystemdConfig controls sd_notify integration. Both flags are no-ops when
// the process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

type StatsConfig struct {
	// ReportEvery is a Go duration string. Empty or "0s" disables the reporter.
	ReportEvery string `json:"report_every,omitempty"`
}

// DebugConfig controls the optional HTTP server for /healthz, /status and
// pprof. It is reconfigured on reload without touching the runner.
type DebugConfig struct {
	Enabled bool `json:"enabled"`
	// Addr defaults to 127.0.0.1:6060.
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
