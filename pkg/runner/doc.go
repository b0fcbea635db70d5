// Package runner runs a task at a fixed wall-clock cadence on a dedicated goroutine.
//
// The loop compensates for the task's own runtime and for oversleep of the
// sleep primitive, so the average period between task starts converges to the
// configured interval instead of interval+work.
//
// Two control models are provided:
//   - External: only the controller stops the loop (Close). The task is a
//     fire-and-forget Task.
//   - Internal: only the task stops the loop, by returning true from a
//     TaskWithHandle. The controller waits for that with Join.
//
// A runner may be started at most once. After Close/Join it is terminal and
// must be dropped.
package runner
