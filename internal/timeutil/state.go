package timeutil

import "time"

// StateTimer tracks the current state of a timed state machine and when it
// was entered. It is not safe for concurrent use; the owning machine's lock
// guards it.
type StateTimer[S comparable] struct {
	clock   Clock
	state   S
	entered time.Time
}

// NewStateTimer returns a timer that starts in initial as of clock.Now().
func NewStateTimer[S comparable](clock Clock, initial S) *StateTimer[S] {
	return &StateTimer[S]{clock: clock, state: initial, entered: clock.Now()}
}

// State returns the current state.
func (t *StateTimer[S]) State() S {
	return t.state
}

// Enter switches to s and restarts the time-in-state, even if s is the
// current state.
func (t *StateTimer[S]) Enter(s S) {
	t.state = s
	t.entered = t.clock.Now()
}

// Elapsed returns how long the machine has been in its current state.
func (t *StateTimer[S]) Elapsed() time.Duration {
	return t.clock.Since(t.entered)
}
