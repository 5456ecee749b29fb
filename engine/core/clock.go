package core

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is a stopwatch driven by a clock.Clock time source, so that tests
// can substitute clock.NewMock().
type Clock struct {
	source    clock.Clock
	startTime time.Time
	elapsed   time.Duration
}

func NewClock(source clock.Clock) *Clock {
	if source == nil {
		source = clock.New()
	}
	return &Clock{source: source}
}

// Updates the provided clock. Should be called just before checking elapsed time.
// Has no effect on non-started clocks.
func (c *Clock) Update() {
	if !c.startTime.IsZero() {
		c.elapsed = c.source.Since(c.startTime)
	}
}

// Starts the provided clock. Resets elapsed time.
func (c *Clock) Start() {
	c.startTime = c.source.Now()
	c.elapsed = 0
}

// Stops the provided clock. Does not reset elapsed time.
func (c *Clock) Stop() {
	c.startTime = time.Time{}
}

func (c *Clock) Elapsed() time.Duration {
	return c.elapsed
}

// Exceeded updates the clock and reports whether budget has been used up.
// A non-positive budget never expires.
func (c *Clock) Exceeded(budget time.Duration) bool {
	if budget <= 0 {
		return false
	}
	c.Update()
	return c.elapsed >= budget
}
