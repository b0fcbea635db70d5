package runner

import (
	"runtime"
	"time"
)

// Clock abstracts the two time operations the loop needs.
// Implementations must be safe to call from the loop goroutine.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock delegates to the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// DefaultSpinThreshold is used by SpinClock when Threshold is zero.
const DefaultSpinThreshold = 500 * time.Microsecond

// SpinClock sleeps with the OS timer for all but the last Threshold of a
// sleep, then yields in a busy loop until the deadline. It trades CPU for
// tighter wake-ups at short intervals.
type SpinClock struct {
	Threshold time.Duration
}

func (SpinClock) Now() time.Time { return time.Now() }

func (c SpinClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	th := c.Threshold
	if th <= 0 {
		th = DefaultSpinThreshold
	}
	if coarse := d - th; coarse > 0 {
		time.Sleep(coarse)
	}
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}
