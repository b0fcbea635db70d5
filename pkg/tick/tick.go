// Package tick exposes a runner as a channel, in the spirit of time.Ticker but
// with drift compensation.
//
// A plain Ticker delivers one value per tick on C; the loop waits for the
// receiver, so slow consumers stretch the tick instead of dropping it. A
// blocking Ticker additionally waits for Ack before the tick ends, so the
// consumer's work counts towards the interval.
package tick

import (
	"errors"
	"sync"
	"time"

	"github.com/ogios/interval-task/pkg/runner"
)

var ErrClosed = errors.New("tick: ticker closed")

type Ticker struct {
	// C receives the time each tick began.
	C <-chan time.Time

	r        *runner.External
	ack      chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

// New returns a stopped Ticker. Call Start to begin ticking.
func New(interval time.Duration, opts ...runner.Option) (*Ticker, error) {
	return newTicker(interval, false, opts)
}

// NewBlocking returns a stopped Ticker whose ticks also wait for Ack.
func NewBlocking(interval time.Duration, opts ...runner.Option) (*Ticker, error) {
	return newTicker(interval, true, opts)
}

func newTicker(interval time.Duration, blocking bool, opts []runner.Option) (*Ticker, error) {
	r, err := runner.NewExternal(interval, opts...)
	if err != nil {
		return nil, err
	}
	c := make(chan time.Time, 1)
	t := &Ticker{
		C:    c,
		r:    r,
		quit: make(chan struct{}),
	}
	if blocking {
		t.ack = make(chan struct{}, 1)
	}
	if err := r.SetTask(runner.Func(func() { t.fire(c) })); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Ticker) fire(c chan<- time.Time) {
	if t.closed() {
		return
	}
	select {
	case c <- time.Now():
	case <-t.quit:
		return
	}
	if t.ack == nil {
		return
	}
	select {
	case <-t.ack:
	case <-t.quit:
	}
}

// Start begins ticking. It is a no-op if already started.
func (t *Ticker) Start() error { return t.r.Start() }

// Ack tells a blocking Ticker that the current tick has been handled. On a
// plain Ticker it does nothing.
func (t *Ticker) Ack() error {
	if t.ack == nil {
		return nil
	}
	// The ack slot is usually free after Close, so quit must win on its own.
	if t.closed() {
		return ErrClosed
	}
	select {
	case t.ack <- struct{}{}:
		return nil
	case <-t.quit:
		return ErrClosed
	}
}

// Close stops the ticker and waits for the loop to exit. A tick blocked on
// delivery or on Ack is released. No value is sent on C after Close returns.
func (t *Ticker) Close() error {
	t.quitOnce.Do(func() { close(t.quit) })
	return t.r.Close()
}

func (t *Ticker) closed() bool {
	select {
	case <-t.quit:
		return true
	default:
		return false
	}
}

// Stats returns the underlying loop counters.
func (t *Ticker) Stats() runner.Stats { return t.r.Stats() }
