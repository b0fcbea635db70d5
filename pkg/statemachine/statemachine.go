// Package statemachine provides a state container with guarded, exclusive,
// two-phase transitions.
//
// A caller proposes a transition and receives a Ticket. While the ticket is
// unresolved, every other Propose fails with ErrBusy; nobody blocks and
// nothing is overwritten. The owner then resolves the ticket exactly once:
//
//   - Apply commits the proposed state.
//   - Restore / Ignore leave the machine at the state it had before.
//   - ChangedTo commits some other state (e.g. a recovery state).
//
// Tickets must always be resolved. Either use Machine.Transition, or defer
// Ignore right after a successful Propose; resolving an already-resolved
// ticket is a no-op that returns ErrResolved.
package statemachine

import (
	"errors"
	"sync"
)

var (
	ErrBusy     = errors.New("statemachine: state is under change")
	ErrResolved = errors.New("statemachine: ticket already resolved")
)

// Machine holds a state of type S. The zero value is not usable; use New.
type Machine[S comparable] struct {
	mu       sync.Mutex
	state    S
	inChange bool
}

func New[S comparable](initial S) *Machine[S] {
	return &Machine[S]{state: initial}
}

// Get returns the current state.
func (m *Machine[S]) Get() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InChange reports whether a ticket is outstanding.
func (m *Machine[S]) InChange() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inChange
}

// Propose starts a deferred transition to next: Get keeps returning the
// current state until the ticket is applied.
func (m *Machine[S]) Propose(next S) (*Ticket[S], error) {
	return m.propose(next, false)
}

// ProposeFirst starts an eager transition: next becomes visible through Get
// immediately, and Restore/Ignore put the previous state back.
func (m *Machine[S]) ProposeFirst(next S) (*Ticket[S], error) {
	return m.propose(next, true)
}

func (m *Machine[S]) propose(next S, eager bool) (*Ticket[S], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inChange {
		return nil, ErrBusy
	}
	m.inChange = true
	t := &Ticket[S]{m: m, prev: m.state, next: next}
	if eager {
		m.state = next
	}
	return t, nil
}

// Transition proposes next and runs fn with the ticket. The ticket is always
// resolved when Transition returns: if fn left it open, it is applied when
// fn returns nil and ignored otherwise (or if fn panics).
func (m *Machine[S]) Transition(next S, fn func(t *Ticket[S]) error) error {
	t, err := m.Propose(next)
	if err != nil {
		return err
	}
	returned := false
	defer func() {
		if !returned {
			_ = t.Ignore()
		}
	}()
	err = fn(t)
	returned = true
	if err != nil {
		_ = t.Ignore()
		return err
	}
	_ = t.Apply()
	return nil
}

// Ticket is an outstanding transition. Exactly one of Apply, Restore,
// Ignore or ChangedTo takes effect; later calls return ErrResolved.
type Ticket[S comparable] struct {
	m    *Machine[S]
	prev S
	next S
	done bool
}

// Proposed returns the state the ticket was created for.
func (t *Ticket[S]) Proposed() S { return t.next }

// Previous returns the state before the transition began.
func (t *Ticket[S]) Previous() S { return t.prev }

// Apply commits the proposed state.
func (t *Ticket[S]) Apply() error { return t.resolve(t.next) }

// Restore reverts to the state before the transition.
func (t *Ticket[S]) Restore() error { return t.resolve(t.prev) }

// Ignore abandons the transition. It is equivalent to Restore.
func (t *Ticket[S]) Ignore() error { return t.resolve(t.prev) }

// ChangedTo commits s instead of the proposed state.
func (t *Ticket[S]) ChangedTo(s S) error { return t.resolve(s) }

func (t *Ticket[S]) resolve(s S) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.done {
		return ErrResolved
	}
	t.done = true
	m.state = s
	m.inChange = false
	return nil
}
