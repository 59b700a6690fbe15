package timectrl

import (
	"sync"
	"time"
)

// Clock is the time source the scheduler and the runtime depend on. It
// lets tests substitute a manually driven clock for wall-clock time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d. Implementations may return early; callers
	// re-read Now afterwards.
	Sleep(d time.Duration)
}

// RealClock reads the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep implements Clock.
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// ManualClock is a Clock that only moves when told to. Sleep advances the
// clock by the requested duration instead of blocking, so a scheduler loop
// driven by a ManualClock runs deterministically and as fast as the CPU
// allows.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Sleep implements Clock by advancing the clock.
func (c *ManualClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SetTime jumps the clock to t.
func (c *ManualClock) SetTime(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
