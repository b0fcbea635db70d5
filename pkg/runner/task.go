package runner

// FnTask is a fire-and-forget task invoked through an immutable call
// (typically a value receiver).
type FnTask interface {
	Call()
}

// FnMutTask is a fire-and-forget task whose call may mutate its own state
// (typically a pointer receiver).
type FnMutTask interface {
	CallMut()
}

// FnTaskWithHandle is a self-terminating task; returning true stops the loop.
type FnTaskWithHandle interface {
	Call() bool
}

// FnMutTaskWithHandle is the mutable variant of FnTaskWithHandle.
type FnMutTaskWithHandle interface {
	CallMut() bool
}

type taskKind uint8

const (
	taskNone taskKind = iota
	taskPure
	taskMut
)

// Task is a fire-and-forget unit of work used by the External runner.
//
// It is a tagged union over the two call forms; Invoke dispatches to
// whichever one was captured. The zero Task is empty.
type Task struct {
	kind taskKind
	pure FnTask
	mut  FnMutTask
}

// NewFnTask wraps a pure task. A nil t gives the zero Task.
func NewFnTask(t FnTask) Task {
	if t == nil {
		return Task{}
	}
	return Task{kind: taskPure, pure: t}
}

// NewFnMutTask wraps a task that mutates its receiver. A nil t gives the zero Task.
func NewFnMutTask(t FnMutTask) Task {
	if t == nil {
		return Task{}
	}
	return Task{kind: taskMut, mut: t}
}

// Func wraps a plain closure. Closures may capture and mutate state, so they
// are treated as the mutable form.
func Func(fn func()) Task {
	if fn == nil {
		return Task{}
	}
	return NewFnMutTask(funcTask(fn))
}

type funcTask func()

func (f funcTask) CallMut() { f() }

// IsZero reports whether no task is set; runners reject it with ErrNoTask.
func (t Task) IsZero() bool { return t.kind == taskNone }

// Invoke runs the task once.
func (t Task) Invoke() {
	switch t.kind {
	case taskPure:
		t.pure.Call()
	case taskMut:
		t.mut.CallMut()
	}
}

// TaskWithHandle is a self-terminating unit of work used by the Internal runner.
// Invoke returns true when the loop should stop.
type TaskWithHandle struct {
	kind taskKind
	pure FnTaskWithHandle
	mut  FnMutTaskWithHandle
}

// NewFnTaskWithHandle wraps a pure self-terminating task.
func NewFnTaskWithHandle(t FnTaskWithHandle) TaskWithHandle {
	if t == nil {
		return TaskWithHandle{}
	}
	return TaskWithHandle{kind: taskPure, pure: t}
}

// NewFnMutTaskWithHandle wraps a self-terminating task that mutates its receiver.
func NewFnMutTaskWithHandle(t FnMutTaskWithHandle) TaskWithHandle {
	if t == nil {
		return TaskWithHandle{}
	}
	return TaskWithHandle{kind: taskMut, mut: t}
}

// FuncWithHandle wraps a closure that returns true to stop the loop.
func FuncWithHandle(fn func() bool) TaskWithHandle {
	if fn == nil {
		return TaskWithHandle{}
	}
	return NewFnMutTaskWithHandle(funcTaskWithHandle(fn))
}

type funcTaskWithHandle func() bool

func (f funcTaskWithHandle) CallMut() bool { return f() }

// IsZero reports whether no task is set.
func (t TaskWithHandle) IsZero() bool { return t.kind == taskNone }

// Invoke runs the task once and reports whether the loop should stop.
// An empty TaskWithHandle always asks to stop.
func (t TaskWithHandle) Invoke() bool {
	switch t.kind {
	case taskPure:
		return t.pure.Call()
	case taskMut:
		return t.mut.CallMut()
	default:
		return true
	}
}
