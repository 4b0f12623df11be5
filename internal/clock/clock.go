// Package clock abstracts wall-clock time for the watcher, orchestrator and
// store.
//
// Debounce windows, run directory names, image filenames and log timestamps
// all derive from Now(). Production code uses System; tests drive a
// testutil.FakeClock so every timestamp written to disk is reproducible.
package clock

import "time"

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Or returns c, or System when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
