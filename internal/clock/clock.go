// Package clock abstracts wall-clock time behind a port so the pipeline,
// tracker and governance evaluations are deterministically testable.
// All time math in the system uses UTC.
package clock

import (
	"sync"
	"time"
)

// Clock yields the current time in UTC.
type Clock interface {
	Now() time.Time
}

// System is the production clock.
type System struct{}

// NewSystem creates a system clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current wall-clock time in UTC.
func (*System) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual creates a manual clock frozen at the given instant.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now.UTC()}
}

// Now returns the currently set instant.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to the given instant.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now.UTC()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
