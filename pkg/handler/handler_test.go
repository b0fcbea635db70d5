package handler

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogios/interval-task/pkg/logx"
	"github.com/ogios/interval-task/pkg/runner"
	"github.com/ogios/interval-task/pkg/statemachine"
)

func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for runtime.NumGoroutine() > before {
			if time.Now().After(deadline) {
				t.Errorf("goroutine leak: before=%d after=%d", before, runtime.NumGoroutine())
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func counting(n *atomic.Int64) runner.Task {
	return runner.Func(func() { n.Add(1) })
}

// fakeWorker is a scripted peer for failure injection.
type fakeWorker struct {
	ctrl chan Signal
	ack  chan struct{}
	done chan struct{}
	h    *Handler
}

func newFake() *fakeWorker {
	w := &fakeWorker{
		ctrl: make(chan Signal, 1),
		ack:  make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	w.h = newHandler(w.ctrl, w.ack, w.done, logx.Logger{})
	return w
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	var n atomic.Int64
	_, err := New(0, counting(&n))
	require.ErrorIs(t, err, runner.ErrInvalidInterval)
	_, err = New(time.Millisecond, runner.Task{})
	require.ErrorIs(t, err, runner.ErrNoTask)
}

func TestStartCloseBlocking(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	var n atomic.Int64
	h, err := New(time.Millisecond, counting(&n), WithLogger(logx.Nop()))
	require.NoError(t, err)
	assert.Equal(t, Inactive, h.State())
	select {
	case <-h.RunnerDone():
		t.Fatal("loop done before start")
	default:
	}

	require.NoError(t, h.StartBlocking())
	assert.Equal(t, Active, h.State())
	require.ErrorIs(t, h.StartBlocking(), ErrAlreadyRunning)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.CloseBlocking())
	assert.Equal(t, Closed, h.State())
	assert.Positive(t, n.Load())
	assert.EqualValues(t, n.Load(), h.Stats().Ticks)
	<-h.RunnerDone()

	select {
	case <-h.Done():
	default:
		t.Fatal("worker still running after CloseBlocking")
	}

	stopped := n.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, n.Load(), "task ran after close")

	require.ErrorIs(t, h.StartBlocking(), ErrTerminal)
	require.ErrorIs(t, h.CloseBlocking(), ErrTerminal)
	_, err = h.Start()
	require.ErrorIs(t, err, ErrTerminal)
}

func TestNonBlockingVariants(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	var n atomic.Int64
	h, err := New(time.Millisecond, counting(&n))
	require.NoError(t, err)

	p, err := h.Start()
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	<-p.Done()
	assert.Equal(t, Active, h.State())

	p, err = h.Close()
	require.NoError(t, err)
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("close never completed")
	}
	require.NoError(t, p.Wait())
	assert.Equal(t, Closed, h.State())
}

func TestCloseWhileInactive(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	var n atomic.Int64
	h, err := New(time.Millisecond, counting(&n))
	require.NoError(t, err)

	require.NoError(t, h.CloseBlocking())
	assert.Equal(t, Closed, h.State())
	assert.Zero(t, n.Load())
	require.ErrorIs(t, h.StartBlocking(), ErrTerminal)
}

func TestOperatingRejectsOthers(t *testing.T) {
	t.Parallel()
	w := newFake()

	p, err := w.h.Start()
	require.NoError(t, err)
	assert.Equal(t, SignalStart, <-w.ctrl)
	assert.Equal(t, Operating, w.h.State())

	require.ErrorIs(t, w.h.StartBlocking(), ErrTransitionInProgress)
	_, err = w.h.Close()
	require.ErrorIs(t, err, ErrTransitionInProgress)

	w.ack <- struct{}{}
	require.NoError(t, p.Wait())
	assert.Equal(t, Active, w.h.State())
}

func TestStartCompletionWaitsOutSlowTicketHolder(t *testing.T) {
	t.Parallel()
	w := newFake()
	complete, err := w.h.beginStart()
	require.NoError(t, err)
	assert.Equal(t, SignalStart, <-w.ctrl)

	hold, err := w.h.state.Propose(Closed)
	require.NoError(t, err)
	w.ack <- struct{}{}

	res := make(chan error, 1)
	go func() { res <- complete() }()
	select {
	case err := <-res:
		t.Fatalf("completed while another ticket was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, Operating, w.h.State())

	require.NoError(t, hold.Ignore())
	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("completion never took the Active ticket")
	}
	assert.Equal(t, Active, w.h.State())
}

func TestConcurrentCloseSingleOwner(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	var n atomic.Int64
	h, err := New(time.Millisecond, counting(&n))
	require.NoError(t, err)
	require.NoError(t, h.StartBlocking())

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- h.CloseBlocking() }()
	}
	a, b := <-errs, <-errs
	if a != nil {
		a, b = b, a
	}
	require.NoError(t, a)
	require.Error(t, b)
	assert.True(t, errors.Is(b, statemachine.ErrBusy) || errors.Is(b, ErrTerminal), "got %v", b)
	assert.Equal(t, Closed, h.State())
}

func TestStartSendFailureRestores(t *testing.T) {
	t.Parallel()
	w := newFake()
	close(w.done)

	require.ErrorIs(t, w.h.StartBlocking(), ErrSignalFailure)
	assert.Equal(t, Inactive, w.h.State())
	assert.Zero(t, w.h.Stats())
	_, err := w.h.Start()
	require.ErrorIs(t, err, ErrSignalFailure)
}

func TestStartAckFailureRollsBack(t *testing.T) {
	t.Parallel()
	w := newFake()
	go func() {
		<-w.ctrl
		close(w.done)
	}()

	require.ErrorIs(t, w.h.StartBlocking(), ErrSignalFailure)
	assert.Equal(t, Inactive, w.h.State())
}

func TestCloseSendFailureIsTerminal(t *testing.T) {
	t.Parallel()
	w := newFake()
	close(w.done)

	require.ErrorIs(t, w.h.CloseBlocking(), ErrSignalFailure)
	assert.Equal(t, Closed, w.h.State())
	require.ErrorIs(t, w.h.CloseBlocking(), ErrTerminal)
}

func TestCloseAckFailure(t *testing.T) {
	t.Parallel()
	w := newFake()
	go func() {
		<-w.ctrl
		close(w.done)
	}()

	require.ErrorIs(t, w.h.CloseBlocking(), ErrSignalFailure)
	assert.Equal(t, Closed, w.h.State())
}

func TestTaskPanicSurfacesOnClose(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	var n atomic.Int64
	h, err := New(time.Millisecond, runner.Func(func() {
		if n.Add(1) == 3 {
			panic("boom")
		}
	}))
	require.NoError(t, err)
	require.NoError(t, h.StartBlocking())

	select {
	case <-h.RunnerDone():
	case <-time.After(time.Second):
		t.Fatal("loop still running after task panic")
	}
	require.ErrorIs(t, h.Err(), runner.ErrTaskPanicked)
	assert.Equal(t, Active, h.State())
	select {
	case <-h.Done():
		t.Fatal("worker must wait for close")
	default:
	}

	err = h.CloseBlocking()
	require.ErrorIs(t, err, runner.ErrTaskPanicked)
	assert.Equal(t, Closed, h.State())
}

func TestStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "inactive", Inactive.String())
	assert.Equal(t, "operating", Operating.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "start", SignalStart.String())
	assert.Equal(t, "stop", SignalStop.String())
	assert.Equal(t, "signal(7)", Signal(7).String())
}
