package runner

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{0, -time.Millisecond} {
		_, err := NewExternal(d)
		require.ErrorIs(t, err, ErrInvalidInterval)
		_, err = NewInternal(d)
		require.ErrorIs(t, err, ErrInvalidInterval)
		_, err = NewWithContext(d, func() int { return 0 }, func(*int) bool { return true })
		require.ErrorIs(t, err, ErrInvalidInterval)
	}
}

func TestStartWithoutTask(t *testing.T) {
	t.Parallel()
	r, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.ErrorIs(t, r.Start(), ErrNoTask)
	require.ErrorIs(t, r.SetTask(Task{}), ErrNoTask)
	require.False(t, r.Started())
}

func TestCloseJoinBeforeStart(t *testing.T) {
	t.Parallel()
	ext, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.ErrorIs(t, ext.Close(), ErrNoTaskRunning)

	in, err := NewInternal(time.Millisecond)
	require.NoError(t, err)
	require.ErrorIs(t, in.Join(), ErrNoTaskRunning)
}

func TestInternalCadenceConvergence(t *testing.T) {
	const fps = 120
	interval := time.Second / fps

	var count int
	r, err := NewInternal(interval)
	require.NoError(t, err)
	require.NoError(t, r.SetTask(FuncWithHandle(func() bool {
		count++
		return count == fps
	})))

	start := time.Now()
	require.NoError(t, r.Start())
	require.NoError(t, r.Join())
	elapsed := time.Since(start)

	assert.Equal(t, fps, count)
	assert.GreaterOrEqual(t, elapsed, 950*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 1150*time.Millisecond)
}

func TestInternalSelfStopAfterK(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	const k = 7

	r, err := NewWithContext(time.Millisecond,
		func() int { return 0 },
		func(n *int) bool {
			*n++
			return *n == k
		},
	)
	require.NoError(t, err)

	var calls atomic.Int64
	r2, err := NewInternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, r2.SetTask(FuncWithHandle(func() bool { return calls.Add(1) == k })))

	require.NoError(t, r.Start())
	require.NoError(t, r2.Start())
	require.NoError(t, r.Join())
	require.NoError(t, r2.Join())

	assert.EqualValues(t, k, r.Stats().Ticks)
	assert.EqualValues(t, k, calls.Load())
}

func TestTaskInvocationsNeverOverlap(t *testing.T) {
	t.Parallel()
	var (
		inside   atomic.Bool
		overlaps atomic.Int64
		calls    atomic.Int64
	)
	r, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, r.SetTask(Func(func() {
		if !inside.CompareAndSwap(false, true) {
			overlaps.Add(1)
		}
		calls.Add(1)
		time.Sleep(300 * time.Microsecond)
		inside.Store(false)
	})))

	require.NoError(t, r.Start())
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, r.Close())

	assert.Positive(t, calls.Load())
	assert.Zero(t, overlaps.Load())
}

func TestStartAtMostOnce(t *testing.T) {
	defer checkNumGoroutines(3 * time.Second)(t)
	var loops atomic.Int64
	r, err := NewExternalWithContext(time.Millisecond,
		func() struct{} {
			loops.Add(1)
			return struct{}{}
		},
		func(*struct{}) {},
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Start())
		}()
	}
	wg.Wait()
	<-r.Ready()
	require.NoError(t, r.Start())

	require.NoError(t, r.Close())
	assert.EqualValues(t, 1, loops.Load())
}

func TestSetTaskAfterStart(t *testing.T) {
	t.Parallel()
	var first, second atomic.Int64
	r, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, r.SetTask(Func(func() { first.Add(1) })))
	require.NoError(t, r.Start())

	require.ErrorIs(t, r.SetTask(Func(func() { second.Add(1) })), ErrAlreadyStarted)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	assert.Positive(t, first.Load())
	assert.Zero(t, second.Load())
}

func TestTerminalAfterCloseAndJoin(t *testing.T) {
	t.Parallel()
	ext, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, ext.SetTask(Func(func() {})))
	require.NoError(t, ext.Start())
	require.NoError(t, ext.Close())

	require.ErrorIs(t, ext.Start(), ErrTerminal)
	require.ErrorIs(t, ext.Close(), ErrTerminal)
	require.ErrorIs(t, ext.SetTask(Func(func() {})), ErrTerminal)

	in, err := NewInternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, in.SetTask(FuncWithHandle(func() bool { return true })))
	require.NoError(t, in.Start())
	require.NoError(t, in.Join())

	require.ErrorIs(t, in.Start(), ErrTerminal)
	require.ErrorIs(t, in.Join(), ErrTerminal)
}

func TestConcurrentCloseExactlyOnce(t *testing.T) {
	t.Parallel()
	r, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, r.SetTask(Func(func() {})))
	require.NoError(t, r.Start())

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- r.Close() }()
	}
	a, b := <-errs, <-errs
	if a != nil {
		a, b = b, a
	}
	require.NoError(t, a)
	require.ErrorIs(t, b, ErrTerminal)
}

func TestExternalScenarioCounter(t *testing.T) {
	var count atomic.Int64
	r, err := NewExternal(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, r.SetTask(Func(func() { count.Add(1) })))

	require.NoError(t, r.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Close())

	n := count.Load()
	assert.GreaterOrEqual(t, n, int64(40))
	assert.LessOrEqual(t, n, int64(60))
}

func TestTaskPanicIsReported(t *testing.T) {
	t.Parallel()
	r, err := NewInternal(time.Millisecond)
	require.NoError(t, err)
	n := 0
	require.NoError(t, r.SetTask(FuncWithHandle(func() bool {
		n++
		if n == 3 {
			panic("boom")
		}
		return false
	})))
	require.NoError(t, r.Start())

	err = r.Join()
	require.ErrorIs(t, err, ErrTaskPanicked)
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, err, r.Err())
}

type closingCtx struct {
	ticks  int
	closed *atomic.Bool
}

func (c *closingCtx) Close() error {
	c.closed.Store(true)
	return nil
}

func TestContextReleasedOnExit(t *testing.T) {
	t.Parallel()
	var closed atomic.Bool
	r, err := NewWithContext(time.Millisecond,
		func() closingCtx { return closingCtx{closed: &closed} },
		func(c *closingCtx) bool {
			c.ticks++
			return c.ticks == 3
		},
	)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, r.Join())
	assert.True(t, closed.Load())
}

func TestReadyClosedAfterContextBuilt(t *testing.T) {
	t.Parallel()
	var built atomic.Bool
	r, err := NewExternalWithContext(time.Millisecond,
		func() int {
			time.Sleep(5 * time.Millisecond)
			built.Store(true)
			return 0
		},
		func(*int) {},
	)
	require.NoError(t, err)
	require.NoError(t, r.Start())

	select {
	case <-r.Ready():
	case <-time.After(time.Second):
		t.Fatal("runner never became ready")
	}
	assert.True(t, built.Load())
	require.NoError(t, r.Close())
}
