package statemachine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type light int

const (
	off light = iota
	warming
	on
	broken
)

func TestProposeApply(t *testing.T) {
	t.Parallel()
	m := New(off)

	tk, err := m.Propose(on)
	require.NoError(t, err)
	assert.True(t, m.InChange())
	assert.Equal(t, off, m.Get(), "deferred proposal is invisible until applied")
	assert.Equal(t, on, tk.Proposed())
	assert.Equal(t, off, tk.Previous())

	require.NoError(t, tk.Apply())
	assert.Equal(t, on, m.Get())
	assert.False(t, m.InChange())
}

func TestProposeFirstRestore(t *testing.T) {
	t.Parallel()
	m := New(off)

	tk, err := m.ProposeFirst(warming)
	require.NoError(t, err)
	assert.Equal(t, warming, m.Get(), "eager proposal is visible immediately")

	require.NoError(t, tk.Restore())
	assert.Equal(t, off, m.Get())
	assert.False(t, m.InChange())
}

func TestResolveVariants(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name    string
		eager   bool
		resolve func(*Ticket[light]) error
		want    light
	}{
		{"deferred apply", false, (*Ticket[light]).Apply, on},
		{"deferred ignore", false, (*Ticket[light]).Ignore, off},
		{"deferred restore", false, (*Ticket[light]).Restore, off},
		{"deferred changed_to", false, func(tk *Ticket[light]) error { return tk.ChangedTo(broken) }, broken},
		{"eager apply", true, (*Ticket[light]).Apply, on},
		{"eager ignore", true, (*Ticket[light]).Ignore, off},
		{"eager changed_to", true, func(tk *Ticket[light]) error { return tk.ChangedTo(broken) }, broken},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := New(off)
			var tk *Ticket[light]
			var err error
			if tc.eager {
				tk, err = m.ProposeFirst(on)
			} else {
				tk, err = m.Propose(on)
			}
			require.NoError(t, err)
			require.NoError(t, tc.resolve(tk))
			assert.Equal(t, tc.want, m.Get())
			assert.False(t, m.InChange())
		})
	}
}

func TestBusyWhileOutstanding(t *testing.T) {
	t.Parallel()
	m := New(off)
	tk, err := m.ProposeFirst(warming)
	require.NoError(t, err)

	_, err = m.Propose(on)
	require.ErrorIs(t, err, ErrBusy)
	_, err = m.ProposeFirst(broken)
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, warming, m.Get(), "a rejected proposal must not overwrite")

	require.NoError(t, tk.Apply())
	tk2, err := m.Propose(on)
	require.NoError(t, err)
	require.NoError(t, tk2.Apply())
	assert.Equal(t, on, m.Get())
}

func TestResolveOnce(t *testing.T) {
	t.Parallel()
	m := New(off)
	tk, err := m.Propose(on)
	require.NoError(t, err)
	require.NoError(t, tk.Apply())

	// A stale ticket must not touch a later transition.
	tk2, err := m.Propose(broken)
	require.NoError(t, err)
	require.ErrorIs(t, tk.Ignore(), ErrResolved)
	require.ErrorIs(t, tk.ChangedTo(off), ErrResolved)
	assert.True(t, m.InChange())
	assert.Equal(t, on, m.Get())
	require.NoError(t, tk2.Ignore())
}

func TestConcurrentProposeSingleOwner(t *testing.T) {
	t.Parallel()
	m := New(off)

	const n = 32
	var (
		wg     sync.WaitGroup
		owners atomic.Int64
		busy   atomic.Int64
		start  = make(chan struct{})
		hold   = make(chan struct{})
		ticket = make(chan *Ticket[light], n)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tk, err := m.Propose(on)
			if errors.Is(err, ErrBusy) {
				busy.Add(1)
				return
			}
			owners.Add(1)
			ticket <- tk
		}()
	}
	close(start)
	go func() {
		wg.Wait()
		close(hold)
	}()
	<-hold

	assert.EqualValues(t, 1, owners.Load())
	assert.EqualValues(t, n-1, busy.Load())
	require.NoError(t, (<-ticket).Apply())
	assert.Equal(t, on, m.Get())
}

func TestTransitionScoped(t *testing.T) {
	t.Parallel()
	m := New(off)

	require.NoError(t, m.Transition(on, func(*Ticket[light]) error { return nil }))
	assert.Equal(t, on, m.Get())

	boom := errors.New("boom")
	require.ErrorIs(t, m.Transition(off, func(*Ticket[light]) error { return boom }), boom)
	assert.Equal(t, on, m.Get())
	assert.False(t, m.InChange())

	require.NoError(t, m.Transition(off, func(tk *Ticket[light]) error { return tk.ChangedTo(broken) }))
	assert.Equal(t, broken, m.Get())

	assert.Panics(t, func() {
		_ = m.Transition(on, func(*Ticket[light]) error { panic("boom") })
	})
	assert.Equal(t, broken, m.Get())
	assert.False(t, m.InChange(), "a panicking transition must still release the machine")

	tk, err := m.Propose(warming)
	require.NoError(t, err)
	require.ErrorIs(t, m.Transition(on, func(*Ticket[light]) error { return nil }), ErrBusy)
	require.NoError(t, tk.Ignore())
}
