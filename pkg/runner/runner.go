package runner

import (
	"runtime/debug"
	"sync"
	"time"

	logx "github.com/ogios/interval-task/pkg/logx"
)

// binder is called once on the loop goroutine before the first tick. It
// returns the per-tick step and an optional release func run when the loop
// exits.
type binder func() (step func() bool, release func())

// core holds the lifecycle shared by both control models.
type core struct {
	cfg config

	mu      sync.Mutex
	bind    binder // nil until a task is set; cleared by start
	started bool
	closed  bool
	stop    chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	err       error // written before done is closed

	stats loopStats
}

func newCore(interval time.Duration, opts []Option) (*core, error) {
	cfg, err := newConfig(interval, opts)
	if err != nil {
		return nil, err
	}
	return &core{
		cfg:   cfg,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func (c *core) setBinder(b binder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTerminal
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.bind = b
	return nil
}

func (c *core) start(external bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTerminal
	}
	if c.started {
		return nil
	}
	if c.bind == nil {
		return ErrNoTask
	}
	b := c.bind
	c.bind = nil
	c.started = true
	if external {
		c.stop = make(chan struct{}, 1)
	}
	go c.run(b, c.stop)
	c.cfg.log.Debug("runner started", logx.Duration("interval", c.cfg.interval), logx.Bool("external", external))
	return nil
}

func (c *core) run(b binder, stop <-chan struct{}) {
	defer close(c.done)

	var release func()
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			c.err = pe
			c.cfg.log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(pe.Stack)))
		}
		if release != nil {
			release()
		}
		c.markReady()
	}()

	step, rel := b()
	release = rel
	c.markReady()

	loop(&c.cfg, &c.stats, step, stop)
}

func (c *core) markReady() { c.readyOnce.Do(func() { close(c.ready) }) }

// finish marks the runner terminal and waits for the loop goroutine.
// If signalStop is set, a stop is sent first.
func (c *core) finish(signalStop bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTerminal
	}
	if !c.started {
		c.mu.Unlock()
		return ErrNoTaskRunning
	}
	c.closed = true
	stop := c.stop
	c.mu.Unlock()

	if signalStop && stop != nil {
		// Single slot, sent at most once: closed guards re-entry.
		select {
		case stop <- struct{}{}:
		default:
		}
	}
	<-c.done
	c.cfg.log.Debug("runner finished", logx.Uint64("ticks", c.stats.ticks.Load()))
	return c.err
}

// Started reports whether Start has succeeded.
func (c *core) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Ready is closed once the loop goroutine has built its task context and is
// about to poll for its first tick (or has failed doing so).
func (c *core) Ready() <-chan struct{} { return c.ready }

// Done is closed when the loop goroutine exits.
func (c *core) Done() <-chan struct{} { return c.done }

// Err returns the panic recorded by the loop, once it has exited.
func (c *core) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Stats returns a snapshot of the loop's timing counters.
func (c *core) Stats() Stats { return c.stats.snapshot() }

// Interval returns the configured period.
func (c *core) Interval() time.Duration { return c.cfg.interval }

// External is a runner stopped by its controller via Close.
// The task never signals stop itself.
type External struct {
	*core
}

// NewExternal returns an External runner with no task.
func NewExternal(interval time.Duration, opts ...Option) (*External, error) {
	c, err := newCore(interval, opts)
	if err != nil {
		return nil, err
	}
	return &External{core: c}, nil
}

// SetTask sets the task to run. It must be called before Start; afterwards it
// returns ErrAlreadyStarted and the running task is kept.
func (r *External) SetTask(t Task) error {
	if t.IsZero() {
		return ErrNoTask
	}
	return r.setBinder(func() (func() bool, func()) {
		return func() bool {
			t.Invoke()
			return false
		}, nil
	})
}

// Start spawns the loop goroutine. Calling it again after a successful start
// is a no-op.
func (r *External) Start() error { return r.start(true) }

// Close stops the loop after its current tick and waits for the goroutine to
// exit. The runner is terminal afterwards.
func (r *External) Close() error { return r.finish(true) }

// Internal is a runner stopped by its own task returning true.
//
// There is no way to interrupt an Internal runner from outside. Dropping it
// without Join leaves the goroutine running, detached, until the task stops.
type Internal struct {
	*core
}

// NewInternal returns an Internal runner with no task.
func NewInternal(interval time.Duration, opts ...Option) (*Internal, error) {
	c, err := newCore(interval, opts)
	if err != nil {
		return nil, err
	}
	return &Internal{core: c}, nil
}

// SetTask sets the task to run. It must be called before Start.
func (r *Internal) SetTask(t TaskWithHandle) error {
	if t.IsZero() {
		return ErrNoTask
	}
	return r.setBinder(func() (func() bool, func()) {
		return t.Invoke, nil
	})
}

// Start spawns the loop goroutine. Calling it again is a no-op.
func (r *Internal) Start() error { return r.start(false) }

// Join waits until the task asks to stop. The runner is terminal afterwards.
func (r *Internal) Join() error { return r.finish(false) }
