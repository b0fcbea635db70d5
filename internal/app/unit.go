package app

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ogios/interval-task/internal/config"
	"github.com/ogios/interval-task/pkg/handler"
	"github.com/ogios/interval-task/pkg/logx"
	"github.com/ogios/interval-task/pkg/runner"
)

// unit is one generation of the periodic loop. Units are never reused: a
// settings change retires the current unit and builds a new one.
type unit interface {
	start() error
	// stop ends the loop and waits for it. It is safe to call after the loop
	// ended on its own.
	stop() error
	done() <-chan struct{}
	stats() runner.Stats
}

// externalUnit is stopped by the daemon through the lifecycle handler.
type externalUnit struct {
	h *handler.Handler
}

func (u *externalUnit) start() error { return u.h.StartBlocking() }

func (u *externalUnit) stop() error {
	err := u.h.CloseBlocking()
	if errors.Is(err, handler.ErrTerminal) {
		return nil
	}
	return err
}

// done watches the loop rather than the worker, which outlives a panicked
// task until stop.
func (u *externalUnit) done() <-chan struct{} { return u.h.RunnerDone() }

func (u *externalUnit) stats() runner.Stats { return u.h.Stats() }

// internalUnit stops itself after maxTicks ticks, or on the first tick after
// stop was requested.
type internalUnit struct {
	r        *runner.Internal
	stopping atomic.Bool
}

func (u *internalUnit) start() error { return u.r.Start() }

func (u *internalUnit) stop() error {
	u.stopping.Store(true)
	err := u.r.Join()
	if errors.Is(err, runner.ErrTerminal) || errors.Is(err, runner.ErrNoTaskRunning) {
		return nil
	}
	return err
}

func (u *internalUnit) done() <-chan struct{} { return u.r.Done() }

func (u *internalUnit) stats() runner.Stats { return u.r.Stats() }

// newUnit builds, but does not start, the unit for s. tick runs on every
// tick of the loop.
func newUnit(gen uint64, s config.RunnerSettings, tick func(), log logx.Logger) (unit, error) {
	opts := []runner.Option{
		runner.WithLogger(log),
		runner.WithName(fmt.Sprintf("gen-%d", gen)),
		runner.WithOverrunLogEvery(s.OverrunLogEvery),
	}
	if s.Spin > 0 {
		opts = append(opts, runner.WithClock(runner.SpinClock{Threshold: s.Spin}))
	}

	switch s.Mode {
	case config.ModeInternal:
		r, err := runner.NewInternal(s.Interval, opts...)
		if err != nil {
			return nil, err
		}
		u := &internalUnit{r: r}
		var n uint64
		err = r.SetTask(runner.FuncWithHandle(func() bool {
			tick()
			n++
			return (s.MaxTicks > 0 && n >= s.MaxTicks) || u.stopping.Load()
		}))
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		h, err := handler.New(s.Interval, runner.Func(tick),
			handler.WithLogger(log),
			handler.WithRunnerOptions(opts...),
		)
		if err != nil {
			return nil, err
		}
		return &externalUnit{h: h}, nil
	}
}
