// Package debounce provides a single-slot restartable delayed action.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer holds at most one pending action. Arming replaces whatever was
// pending; an action only runs if no Arm or Cancel happened after it was
// scheduled.
type Timer struct {
	clock clockwork.Clock

	mu      sync.Mutex
	gen     uint64
	pending clockwork.Timer
}

// New returns an idle timer driven by clock. A nil clock means real time.
func New(clock clockwork.Clock) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{clock: clock}
}

// Arm cancels any pending action and schedules action to run once after
// delay. The action runs on its own goroutine.
func (t *Timer) Arm(delay time.Duration, action func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen
	t.pending = t.clock.AfterFunc(delay, func() { t.fire(gen, action) })
}

// Cancel prevents the pending action from running. It reports whether an
// action was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := t.pending != nil
	t.stopLocked()
	t.gen++
	return was
}

// Pending reports whether an action is scheduled and has not started.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Timer) stopLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// fire runs action if gen is still current. A callback that lost the race
// against Arm or Cancel sees a newer generation and does nothing.
func (t *Timer) fire(gen uint64, action func()) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.mu.Unlock()

	action()
}
