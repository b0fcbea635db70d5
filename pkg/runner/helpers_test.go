package runner

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// fakeClock is a deterministic Clock. Sleep advances time by the requested
// duration plus a fixed oversleep, and records each request.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	oversleep time.Duration
	sleeps    []time.Duration
}

func newFakeClock(oversleep time.Duration) *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), oversleep: oversleep}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d + c.oversleep)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// checkNumGoroutines returns a func, to be deferred, which fails the test if
// the goroutine count does not return to its starting value within timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			n := runtime.NumGoroutine()
			if n <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf("goroutines: before=%d after=%d", before, n)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}
