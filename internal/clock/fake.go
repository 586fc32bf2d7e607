package clock

import "time"

// FakeClock is a manually-advanced Clock for tests. Grant keys and
// invoice periods derive from Now, so tests move time explicitly
// instead of sleeping.
type FakeClock struct {
	now time.Time
}

// NewFakeClock pins the clock at t. The instant is normalized to UTC,
// matching how the services window calendar months.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
