// Package scheduler provides a small timer abstraction so components that
// schedule future work (reconnects, grace periods, retry sweeps) can be
// driven deterministically in tests.
package scheduler

import "time"

// Clock abstracts time lookups and timer scheduling.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After schedules fn to run once after d and returns a handle that can
	// cancel it. fn runs on its own goroutine.
	After(d time.Duration, fn func()) *Task
}

// Task is a handle to a scheduled function.
type Task struct {
	cancel func() bool
}

// Cancel stops the task if it has not fired yet. It reports whether the
// cancellation prevented the task from running.
func (t *Task) Cancel() bool {
	if t == nil || t.cancel == nil {
		return false
	}
	return t.cancel()
}

// RealClock implements Clock using the time package.
type RealClock struct{}

// NewRealClock returns a Clock backed by real timers.
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns time.Now().
func (*RealClock) Now() time.Time {
	return time.Now()
}

// After schedules fn on a real timer.
func (*RealClock) After(d time.Duration, fn func()) *Task {
	timer := time.AfterFunc(d, fn)
	return &Task{cancel: timer.Stop}
}
