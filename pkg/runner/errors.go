package runner

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInterval = errors.New("runner: interval must be > 0")
	ErrNoTask          = errors.New("runner: task not set")
	ErrAlreadyStarted  = errors.New("runner: already started")
	ErrNoTaskRunning   = errors.New("runner: no task running")
	ErrTerminal        = errors.New("runner: runner is closed, drop it and create another one")
	ErrTaskPanicked    = errors.New("runner: task panicked")
)

// PanicError is returned by Close/Join when the task panicked.
// It matches ErrTaskPanicked via errors.Is.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("runner: task panicked: %v", e.Value) }
func (e *PanicError) Unwrap() error { return ErrTaskPanicked }
