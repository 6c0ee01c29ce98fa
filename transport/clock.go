package transport

import "time"

// Clock is a sleep-driven deadline counter. The budget is only decremented
// by explicit Sleep calls, which keeps timeout behaviour deterministic
// under test and independent of how long the caller's read callback blocks.
type Clock struct {
	remaining time.Duration
	sleep     func(time.Duration)
}

// NewClock returns a clock with the given budget.
func NewClock(budget time.Duration, sleep func(time.Duration)) *Clock {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Clock{remaining: budget, sleep: sleep}
}

// Sleep suspends for d and charges it against the budget.
func (c *Clock) Sleep(d time.Duration) {
	c.sleep(d)
	c.remaining -= d
}

// Charge deducts d from the budget without sleeping. Used to bound NAD
// scans over a noisy line that delivers bytes without ever pausing.
func (c *Clock) Charge(d time.Duration) { c.remaining -= d }

// Expired reports whether the budget is spent.
func (c *Clock) Expired() bool { return c.remaining <= 0 }

// Extend adds d to the remaining budget.
func (c *Clock) Extend(d time.Duration) { c.remaining += d }
