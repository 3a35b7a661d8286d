package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock time so timer-driven logic (escalation sweeps,
// cooldown windows) is deterministic under test.
type Clock interface {
	Now() time.Time
}

// Real reads current UTC time from the system clock.
type Real struct{}

// Now returns current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
