// Package backoff holds the two delay policies the orchestrator uses: an
// idle-interval manager that stretches the poll cadence while the source is
// quiet, and the error delay derived from the persisted consecutive-error
// count.
package backoff

import "time"

// IdleManager grows the polling interval exponentially while cycles come back
// empty and snaps back to the initial interval as soon as changes appear.
type IdleManager struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
}

// NewIdleManager returns a manager starting at initial and capped at max.
// A max at or below initial disables growth.
func NewIdleManager(initial, max time.Duration) *IdleManager {
	if max < initial {
		max = initial
	}
	return &IdleManager{current: initial, initial: initial, max: max}
}

// Interval returns the current idle interval.
func (m *IdleManager) Interval() time.Duration {
	return m.current
}

// Increase doubles the interval up to the configured maximum.
func (m *IdleManager) Increase() {
	next := m.current * 2
	if next > m.max {
		next = m.max
	}
	m.current = next
}

// Reset restores the initial interval.
func (m *IdleManager) Reset() {
	m.current = m.initial
}

// ErrorDelay computes the delay before the next cycle after errCount
// consecutive failures: base * 2^min(errCount, cap). It is a pure function of
// the persisted error count so a restarted orchestrator resumes at the same
// delay it crashed with.
func ErrorDelay(base time.Duration, errCount, cap int) time.Duration {
	if base <= 0 || errCount <= 0 {
		return 0
	}
	shift := errCount
	if shift > cap {
		shift = cap
	}
	// Guards against shifting into the sign bit on absurd caps.
	if shift > 32 {
		shift = 32
	}
	return base << uint(shift)
}
