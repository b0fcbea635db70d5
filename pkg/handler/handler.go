// Package handler wraps an External runner with a guarded start/close
// lifecycle and an explicit round-trip handshake with the goroutine that owns
// the runner.
//
// The controller and the worker goroutine talk over two single-slot
// channels: control (controller to worker) and ack (worker to controller).
// Every transition goes through a statemachine.Machine, so concurrent callers
// never both believe they own a start or a close.
package handler

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ogios/interval-task/pkg/logx"
	"github.com/ogios/interval-task/pkg/runner"
	"github.com/ogios/interval-task/pkg/statemachine"
)

var (
	ErrAlreadyRunning       = errors.New("handler: runner already running")
	ErrTransitionInProgress = statemachine.ErrBusy
	ErrTerminal             = runner.ErrTerminal
	ErrSignalFailure        = errors.New("handler: worker is gone")
)

// State is the lifecycle state of a Handler.
type State uint8

const (
	Inactive State = iota
	Operating
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Operating:
		return "operating"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Signal is a control message sent to the worker.
type Signal uint8

const (
	SignalStart Signal = 0
	SignalStop  Signal = 1
)

func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalStop:
		return "stop"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

type options struct {
	log     logx.Logger
	runOpts []runner.Option
}

// Option configures a Handler.
type Option func(*options)

func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRunnerOptions passes options through to the underlying runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(o *options) { o.runOpts = append(o.runOpts, opts...) }
}

// Handler controls one External runner. It starts Inactive and ends Closed;
// a closed Handler must be dropped.
type Handler struct {
	state *statemachine.Machine[State]
	ctrl  chan Signal
	ack   chan struct{}
	done  <-chan struct{}
	log   logx.Logger
	stats func() runner.Stats
	loop  <-chan struct{}

	errMu sync.Mutex
	err   error
}

// New builds the runner for task and spawns the worker goroutine. The runner
// itself is not started until Start.
func New(interval time.Duration, task runner.Task, opts ...Option) (*Handler, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	r, err := runner.NewExternal(interval, append([]runner.Option{runner.WithLogger(o.log)}, o.runOpts...)...)
	if err != nil {
		return nil, err
	}
	if err := r.SetTask(task); err != nil {
		return nil, err
	}

	ctrl := make(chan Signal, 1)
	ack := make(chan struct{}, 1)
	done := make(chan struct{})
	h := newHandler(ctrl, ack, done, o.log)
	h.stats = r.Stats
	h.loop = r.Done()
	go h.work(r, ctrl, ack, done)
	return h, nil
}

func newHandler(ctrl chan Signal, ack chan struct{}, done <-chan struct{}, log logx.Logger) *Handler {
	return &Handler{
		state: statemachine.New(Inactive),
		ctrl:  ctrl,
		ack:   ack,
		done:  done,
		log:   log,
	}
}

// work owns the runner. It exits after handling SignalStop.
func (h *Handler) work(r *runner.External, ctrl <-chan Signal, ack chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		var runDone <-chan struct{}
		if r.Started() {
			runDone = r.Done()
		}
		select {
		case sig := <-ctrl:
			switch sig {
			case SignalStart:
				if err := r.Start(); err != nil {
					h.setErr(err)
					h.log.Error("runner start failed", logx.Err(err))
					return
				}
				<-r.Ready()
				ack <- struct{}{}
				h.log.Debug("runner active")
			case SignalStop:
				if r.Started() {
					if err := r.Close(); err != nil {
						h.setErr(err)
					}
				}
				ack <- struct{}{}
				h.log.Debug("runner closed")
				return
			default:
				h.log.Warn("unknown signal ignored", logx.String("signal", sig.String()))
			}
		case <-runDone:
			// The loop ended on its own (task panic). Keep serving until
			// stop so the controller still gets its acknowledgement.
			if err := r.Err(); err != nil {
				h.setErr(err)
				h.log.Error("runner exited before close", logx.Err(err))
			}
			h.waitStop(r, ctrl, ack)
			return
		}
	}
}

// waitStop serves signals after the loop has already exited.
func (h *Handler) waitStop(r *runner.External, ctrl <-chan Signal, ack chan<- struct{}) {
	for sig := range ctrl {
		if sig == SignalStop {
			if err := r.Close(); err != nil {
				h.setErr(err)
			}
			ack <- struct{}{}
			return
		}
		ack <- struct{}{}
	}
}

func (h *Handler) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// Err returns the first error recorded by the worker, e.g. a task panic.
func (h *Handler) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// State returns the current lifecycle state.
func (h *Handler) State() State { return h.state.Get() }

// Stats returns the runner's loop counters. It is safe to call at any time.
func (h *Handler) Stats() runner.Stats {
	if h.stats == nil {
		return runner.Stats{}
	}
	return h.stats()
}

// Done is closed when the worker goroutine exits. After a task panic the
// worker stays up until Close, so watch RunnerDone to notice a dead loop.
func (h *Handler) Done() <-chan struct{} { return h.done }

// RunnerDone is closed when the runner's loop exits, either through Close or
// on its own after a task panic. It stays open until the runner is started.
func (h *Handler) RunnerDone() <-chan struct{} { return h.loop }

func (h *Handler) send(s Signal) error {
	select {
	case <-h.done:
		return ErrSignalFailure
	default:
	}
	select {
	case h.ctrl <- s:
		return nil
	case <-h.done:
		return ErrSignalFailure
	}
}

func (h *Handler) recv() error {
	select {
	case <-h.ack:
		return nil
	case <-h.done:
		// The worker acks before it exits; take a late ack if there is one.
		select {
		case <-h.ack:
			return nil
		default:
			return ErrSignalFailure
		}
	}
}

func rejectStart(s State) error {
	switch s {
	case Active:
		return ErrAlreadyRunning
	case Operating:
		return ErrTransitionInProgress
	case Closed:
		return ErrTerminal
	}
	return nil
}

// beginStart sends the start signal and returns the completion that waits for
// the worker's acknowledgement.
func (h *Handler) beginStart() (func() error, error) {
	if err := rejectStart(h.state.Get()); err != nil {
		return nil, err
	}
	t, err := h.state.ProposeFirst(Operating)
	if err != nil {
		return nil, err
	}
	if err := rejectStart(t.Previous()); err != nil {
		_ = t.Restore()
		return nil, err
	}
	if err := h.send(SignalStart); err != nil {
		_ = t.Restore()
		return nil, err
	}
	_ = t.Apply()

	return func() error {
		t := h.proposeActive()
		if err := h.recv(); err != nil {
			_ = t.ChangedTo(Inactive)
			h.log.Error("start acknowledgement lost", logx.Err(err))
			return err
		}
		_ = t.Apply()
		return nil
	}, nil
}

// proposeActive takes the Operating -> Active ticket. While Operating, the
// only other ticket holders are Start/Close callers that propose, see
// Operating and resolve at once, so the wait is short. Retries back off from
// Gosched to a capped sleep so a slow holder cannot turn this into a hot loop.
func (h *Handler) proposeActive() *statemachine.Ticket[State] {
	for i := 0; ; i++ {
		t, err := h.state.Propose(Active)
		if err == nil {
			return t
		}
		if i < proposeSpins {
			runtime.Gosched()
			continue
		}
		time.Sleep(min(time.Duration(i-proposeSpins+1)*10*time.Microsecond, time.Millisecond))
	}
}

const proposeSpins = 64

func rejectClose(s State) error {
	switch s {
	case Operating:
		return ErrTransitionInProgress
	case Closed:
		return ErrTerminal
	}
	return nil
}

// beginClose sends the stop signal and returns the completion that waits for
// the worker to acknowledge and exit.
func (h *Handler) beginClose() (func() error, error) {
	if err := rejectClose(h.state.Get()); err != nil {
		return nil, err
	}
	t, err := h.state.Propose(Closed)
	if err != nil {
		return nil, err
	}
	if err := rejectClose(t.Previous()); err != nil {
		_ = t.Ignore()
		return nil, err
	}
	if err := h.send(SignalStop); err != nil {
		// Nothing is left to stop; the handler cannot be used again.
		_ = t.Apply()
		h.log.Error("stop signal lost", logx.Err(err))
		return nil, err
	}
	_ = t.Apply()

	return func() error {
		if err := h.recv(); err != nil {
			return err
		}
		<-h.done
		return h.Err()
	}, nil
}

// StartBlocking starts the runner and returns once it is running.
func (h *Handler) StartBlocking() error {
	complete, err := h.beginStart()
	if err != nil {
		return err
	}
	return complete()
}

// Start sends the start signal and returns a Pending that completes once the
// runner is running. Errors that reject the request are returned directly.
func (h *Handler) Start() (*Pending, error) {
	complete, err := h.beginStart()
	if err != nil {
		return nil, err
	}
	return goPending(complete), nil
}

// CloseBlocking stops the runner and waits for the worker to exit. It returns
// the runner's error, if the task panicked.
func (h *Handler) CloseBlocking() error {
	complete, err := h.beginClose()
	if err != nil {
		return err
	}
	return complete()
}

// Close sends the stop signal and returns a Pending that completes once the
// worker has exited.
func (h *Handler) Close() (*Pending, error) {
	complete, err := h.beginClose()
	if err != nil {
		return nil, err
	}
	return goPending(complete), nil
}

// Pending is the result of a non-blocking Start or Close.
type Pending struct {
	done chan struct{}
	err  error
}

func goPending(fn func() error) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = fn()
	}()
	return p
}

// Wait blocks until the operation completes and returns its result.
func (p *Pending) Wait() error {
	<-p.done
	return p.err
}

// Done is closed when the operation completes.
func (p *Pending) Done() <-chan struct{} { return p.done }
