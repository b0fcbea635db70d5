package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ogios/interval-task/internal/config"
	"github.com/ogios/interval-task/internal/debughttp"
	"github.com/ogios/interval-task/internal/eventbus"
	"github.com/ogios/interval-task/internal/runtime/supervisor"
	"github.com/ogios/interval-task/internal/schedule"
	"github.com/ogios/interval-task/internal/sdnotify"
	"github.com/ogios/interval-task/pkg/logx"
	"github.com/ogios/interval-task/pkg/runner"
	"github.com/ogios/interval-task/pkg/tick"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFinished   StopReason = "finished"
	StopFatalError StopReason = "fatal_error"
)

// App is the intervald daemon: one periodic heartbeat loop, hot-reloaded
// from its config file.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *sdnotify.Notifier
	dbg  *debughttp.Server

	// task runs on every tick; heartbeat unless replaced in tests.
	task func()

	rebuild     chan config.RunnerSettings
	reportEvery chan time.Duration

	gen      atomic.Uint64
	beats    atomic.Uint64
	finished atomic.Bool

	mu  sync.Mutex
	cur *live
}

// live is the unit currently running and what it was built from.
type live struct {
	u   unit
	gen uint64
	s   config.RunnerSettings
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(cfg.LogConfig())
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		root:        root,
		log:         log,
		logs:        logSvc,
		bus:         eventbus.New(),
		sd:          sdnotify.New(cfg.Systemd.Notify, cfg.Systemd.Watchdog, root.With(logx.String("comp", "sdnotify"))),
		rebuild:     make(chan config.RunnerSettings, 1),
		reportEvery: make(chan time.Duration, 1),
	}
	a.task = a.heartbeat
	a.dbg = debughttp.New(root.With(logx.String("comp", "debughttp")), func() any { return a.Status() })
	return a, nil
}

// Done is closed when the app context is canceled: on Stop, on a fatal
// error, or when an internal-mode runner has finished.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Finished reports whether an internal-mode runner stopped by itself.
func (a *App) Finished() bool { return a.finished.Load() }

// Heartbeats counts ticks across all runner generations.
func (a *App) Heartbeats() uint64 { return a.beats.Load() }

// Generation is the number of runners built so far.
func (a *App) Generation() uint64 { return a.gen.Load() }

// Bus exposes runner and config events.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Stats returns the current runner's counters, or zero between runners.
func (a *App) Stats() runner.Stats {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil {
		return runner.Stats{}
	}
	return cur.u.stats()
}

// Status is the document served by the debug server at /status.
type Status struct {
	Generation    uint64              `json:"generation"`
	Heartbeats    uint64              `json:"heartbeats"`
	Finished      bool                `json:"finished"`
	Runner        runner.Stats        `json:"runner"`
	DroppedEvents uint64              `json:"dropped_events"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
}

func (a *App) Status() Status {
	st := Status{
		Generation:    a.gen.Load(),
		Heartbeats:    a.beats.Load(),
		Finished:      a.finished.Load(),
		Runner:        a.Stats(),
		DroppedEvents: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	settings, err := cfg.Runner.Settings()
	if err != nil {
		return err
	}
	reportEvery, err := config.ParseDurationField("stats.report_every", cfg.Stats.ReportEvery)
	if err != nil {
		return err
	}

	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// Subscribe before anything can publish.
	events, unsub := a.bus.Subscribe(128)
	sub := a.cfgm.Subscribe(8)

	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
	a.sup.Go("runner.control", func(c context.Context) error { return a.control(c, settings) })
	a.sup.Go("stats.report", func(c context.Context) error { return a.reportStats(c, reportEvery) })
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.dbg.Reconfigure(a.sup.Context(), cfg.DebugConfig())

	a.sd.Ready()
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Duration("interval", settings.Interval),
		logx.String("mode", settings.Mode),
		logx.Duration("watchdog", a.sd.WatchdogInterval()),
	)
	return nil
}

// heartbeat is the periodic task.
func (a *App) heartbeat() {
	a.beats.Add(1)
	a.sd.Watchdog()
}

// control owns the runner: it builds a unit, waits for it to finish or for
// new settings, and retires it. It returns when ctx ends or an internal
// runner has finished.
func (a *App) control(ctx context.Context, s config.RunnerSettings) error {
	for {
		cur, next, err := a.launch(ctx, s)
		if err != nil {
			return err
		}
		if cur == nil {
			if next == nil {
				return nil
			}
			s = *next
			continue
		}

		select {
		case <-ctx.Done():
			return a.retire(cur, "stopped")
		case ns := <-a.rebuild:
			if err := a.retire(cur, "rebuilding"); err != nil {
				a.log.Warn("previous runner ended with error", logx.Err(err))
			}
			s = ns
		case <-cur.u.done():
			err := a.retire(cur, "finished")
			if err != nil {
				return err
			}
			if s.Mode != config.ModeInternal {
				return errors.New("runner exited unexpectedly")
			}
			a.finished.Store(true)
			a.log.Info("runner finished", logx.Uint64("heartbeats", a.beats.Load()))
			a.sup.Cancel()
			return nil
		}
	}
}

// launch waits for the alignment point of s, then builds and starts a unit.
// It returns a nil unit if ctx ended or new settings arrived while waiting.
func (a *App) launch(ctx context.Context, s config.RunnerSettings) (*live, *config.RunnerSettings, error) {
	if s.Align != "" {
		at, err := schedule.NextAlignment(s.Align, time.Now(), s.Location)
		if err != nil {
			return nil, nil, err
		}
		wait := time.Until(at)
		a.log.Info("waiting for alignment", logx.String("align", s.Align), logx.Time("at", at), logx.Duration("wait", wait))
		a.sd.Status("waiting for alignment until %s", at.Format(time.RFC3339))
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, nil, nil
		case ns := <-a.rebuild:
			return nil, &ns, nil
		case <-t.C:
		}
	}

	gen := a.gen.Add(1)
	u, err := newUnit(gen, s, a.task, a.root.With(logx.String("comp", "runner")))
	if err != nil {
		return nil, nil, fmt.Errorf("build runner: %w", err)
	}
	if err := u.start(); err != nil {
		_ = u.stop()
		return nil, nil, fmt.Errorf("start runner: %w", err)
	}

	cur := &live{u: u, gen: gen, s: s}
	a.mu.Lock()
	a.cur = cur
	a.mu.Unlock()

	a.publishState(cur, "active", nil)
	a.sd.Status("running gen %d every %s (%s)", gen, s.Interval, s.Mode)
	a.log.Info("runner started",
		logx.Uint64("gen", gen),
		logx.Duration("interval", s.Interval),
		logx.String("mode", s.Mode),
		logx.Uint64("max_ticks", s.MaxTicks),
		logx.Duration("spin", s.Spin),
	)
	return cur, nil, nil
}

func (a *App) retire(cur *live, why string) error {
	err := cur.u.stop()
	a.mu.Lock()
	if a.cur == cur {
		a.cur = nil
	}
	a.mu.Unlock()

	st := cur.u.stats()
	a.publishState(cur, "closed", err)
	a.log.Info("runner closed",
		logx.Uint64("gen", cur.gen),
		logx.String("why", why),
		logx.Uint64("ticks", st.Ticks),
		logx.Uint64("overruns", st.Overruns),
		logx.Err(err),
	)
	return err
}

func (a *App) publishState(cur *live, state string, err error) {
	data := eventbus.RunnerState{
		Generation: cur.gen,
		Mode:       cur.s.Mode,
		State:      state,
		Interval:   cur.s.Interval,
	}
	if err != nil {
		data.Err = err.Error()
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRunnerState, Data: data})
}

// reportStats publishes runner stats every period, using a tick.Ticker so
// the reports themselves are drift-free. A period of 0 disables reports.
func (a *App) reportStats(ctx context.Context, every time.Duration) error {
	for {
		var (
			t *tick.Ticker
			c <-chan time.Time
		)
		if every > 0 {
			var err error
			if t, err = tick.New(every); err != nil {
				return err
			}
			if err := t.Start(); err != nil {
				return err
			}
			c = t.C
		}

		changed := false
		for !changed {
			select {
			case <-ctx.Done():
				closeTicker(t)
				return nil
			case every = <-a.reportEvery:
				changed = true
			case <-c:
				a.report()
			}
		}
		closeTicker(t)
		a.log.Debug("stats period changed", logx.Duration("every", every))
	}
}

func closeTicker(t *tick.Ticker) {
	if t != nil {
		_ = t.Close()
	}
}

func (a *App) report() {
	a.mu.Lock()
	cur := a.cur
	a.mu.Unlock()
	if cur == nil {
		return
	}
	st := cur.u.stats()
	beats := a.beats.Load()
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRunnerStats, Data: eventbus.RunnerStats{
		Generation: cur.gen,
		Stats:      st,
		Heartbeats: beats,
	}})
	a.log.Info("runner stats",
		logx.Uint64("gen", cur.gen),
		logx.Uint64("ticks", st.Ticks),
		logx.Uint64("overruns", st.Overruns),
		logx.Duration("last_drift", st.LastDrift),
		logx.Duration("max_overrun", st.MaxOverrun),
		logx.Uint64("dropped_events", a.bus.Dropped()),
	)
	a.sd.Status("gen %d: %d ticks, %d overruns", cur.gen, st.Ticks, st.Overruns)
}

// offerLatest puts v in the single-slot ch, replacing a value nobody has
// taken yet.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					break drain
				}
				newCfg = newer
			default:
				break drain
			}
		}
		a.applyConfig(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.LogConfig())

	rebuilt := false
	if config.RunnerChanged(oldCfg, newCfg) {
		if s, err := newCfg.Runner.Settings(); err != nil {
			a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
		} else {
			offerLatest(a.rebuild, s)
			rebuilt = true
		}
	}
	for _, s := range sections {
		switch s {
		case "stats":
			d, err := config.ParseDurationField("stats.report_every", newCfg.Stats.ReportEvery)
			if err != nil {
				a.log.Warn("invalid stats config; keeping previous", logx.Err(err))
				continue
			}
			offerLatest(a.reportEvery, d)
		case "debug":
			a.dbg.Reconfigure(ctx, newCfg.DebugConfig())
		case "systemd":
			a.log.Warn("systemd config changed; restart required for changes to take effect")
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Data: eventbus.ConfigReload{Changed: sections, Rebuilt: rebuilt}})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ",")), logx.Bool("rebuilt", rebuilt)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels the app, closes the runner and waits for every background
// goroutine, bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	start := time.Now()
	a.dbg.Stop(ctx)
	err := a.sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		a.log.Warn("stop deadline reached (continuing)", logx.Duration("elapsed", time.Since(start)))
	}

	a.log.Info("stopped",
		logx.Uint64("heartbeats", a.beats.Load()),
		logx.Uint64("generations", a.gen.Load()),
		logx.Duration("took", time.Since(start)),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
