package clock

import "time"

// FakeClock is a manually driven Clock for tests that cross billing
// boundaries: advance it past a trial end or a period end instead of
// sleeping. Times are normalized to UTC like the system clock.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
