package session

import (
	"bytes"
	"sync"
	"time"
)

// ActivityState classifies what an agent worker is doing, inferred from
// its PTY output and the operator's input.
type ActivityState string

const (
	ActivityUnknown ActivityState = "unknown"
	ActivityIdle    ActivityState = "idle"
	ActivityActive  ActivityState = "active"
	ActivityAsking  ActivityState = "asking"
)

// idleAfter is how long the output stream must stay quiet before an
// active worker is considered idle.
const idleAfter = 2 * time.Second

// typingSuppression holds back asking/idle transitions while the operator
// is mid-keystroke, so a prompt glimpsed during typing does not flap the
// state.
const typingSuppression = 1500 * time.Millisecond

// Byte patterns that mark an agent as waiting on the operator. These are
// the prompt shapes the supported agent TUIs render.
var askingPatterns = [][]byte{
	[]byte("Do you want"),
	[]byte("(y/n)"),
	[]byte("[y/N]"),
	[]byte("❯ 1."),
	[]byte("Would you like"),
	[]byte("Press Enter to continue"),
}

// Byte patterns that mark an agent as actively working.
var activePatterns = [][]byte{
	[]byte("esc to interrupt"),
	[]byte("Thinking"),
	[]byte("Running"),
	[]byte("tokens"),
}

// ActivityDetector is a per-agent-worker state machine. Feed it every
// output chunk and every non-trivial input chunk; dispose it exactly once
// when the worker's process exits or is deleted.
type ActivityDetector struct {
	mu          sync.Mutex
	state       ActivityState
	typingUntil time.Time
	idleTimer   *time.Timer
	disposed    bool
	onChange    func(ActivityState)
}

// NewActivityDetector creates a detector in the unknown state. onChange,
// if non-nil, fires on every state transition (not on re-entry).
func NewActivityDetector(onChange func(ActivityState)) *ActivityDetector {
	return &ActivityDetector{
		state:    ActivityUnknown,
		onChange: onChange,
	}
}

// State returns the current classification.
func (d *ActivityDetector) State() ActivityState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ObserveOutput classifies a PTY output chunk.
func (d *ActivityDetector) ObserveOutput(data []byte) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}

	next := d.state
	switch {
	case matchesAny(data, askingPatterns):
		// Typing suppresses the asking transition briefly: the prompt the
		// operator is already answering should not re-flag the worker.
		if time.Now().Before(d.typingUntil) {
			next = ActivityActive
		} else {
			next = ActivityAsking
		}
	case matchesAny(data, activePatterns):
		next = ActivityActive
	default:
		// Unclassified output from an idle or unknown worker means it woke up
		if d.state == ActivityIdle || d.state == ActivityUnknown {
			next = ActivityActive
		}
	}

	d.resetIdleTimerLocked()
	cb := d.transitionLocked(next)
	d.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// ObserveInput records operator keystrokes. Carriage return and escape
// mean "stopped typing" rather than "typing".
func (d *ActivityDetector) ObserveInput(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed || len(data) == 0 {
		return
	}

	if bytes.ContainsAny(data, "\r\x1b") {
		d.typingUntil = time.Time{}
		return
	}
	d.typingUntil = time.Now().Add(typingSuppression)
}

// Dispose stops the detector. Further observations are ignored. Safe to
// call once; the lifecycle guarantees it is not called twice.
func (d *ActivityDetector) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = true
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

// resetIdleTimerLocked arms the quiet-period timer that demotes an active
// worker to idle.
func (d *ActivityDetector) resetIdleTimerLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(idleAfter, func() {
		d.mu.Lock()
		if d.disposed {
			d.mu.Unlock()
			return
		}
		// Typing holds off the idle transition too
		if time.Now().Before(d.typingUntil) {
			d.mu.Unlock()
			return
		}
		var cb func()
		if d.state == ActivityActive {
			cb = d.transitionLocked(ActivityIdle)
		}
		d.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// transitionLocked applies a state change and returns the change callback
// to invoke outside the lock, or nil when the state did not change.
func (d *ActivityDetector) transitionLocked(next ActivityState) func() {
	if next == d.state {
		return nil
	}
	d.state = next
	if d.onChange == nil {
		return nil
	}
	cb := d.onChange
	return func() { cb(next) }
}

func matchesAny(data []byte, patterns [][]byte) bool {
	for _, p := range patterns {
		if bytes.Contains(data, p) {
			return true
		}
	}
	return false
}
