// Package eventbus is a small in-process fan-out for daemon events.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ogios/interval-task/pkg/runner"
)

// Event types.
const (
	TypeRunnerState  = "runner.state"
	TypeRunnerStats  = "runner.stats"
	TypeConfigReload = "config.reload"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// RunnerState is the Data of a TypeRunnerState event.
type RunnerState struct {
	Generation uint64        `json:"generation"`
	Mode       string        `json:"mode"`
	State      string        `json:"state"`
	Interval   time.Duration `json:"interval"`
	Err        string        `json:"err,omitempty"`
}

// RunnerStats is the Data of a TypeRunnerStats event.
type RunnerStats struct {
	Generation uint64       `json:"generation"`
	Stats      runner.Stats `json:"stats"`
	Heartbeats uint64       `json:"heartbeats"`
}

// ConfigReload is the Data of a TypeConfigReload event.
type ConfigReload struct {
	Changed []string `json:"changed"`
	Rebuilt bool     `json:"rebuilt"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is cheap, and it keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
