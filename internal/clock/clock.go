// Package clock abstracts time so retry scheduling can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is the production clock. It always reports UTC.
type Real struct{}

// Now returns the current system time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fake provides deterministic time control for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake constructs a fake clock initialised to start.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Fake{now: start.UTC()}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the fake clock to t.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Advance increments the fake time by delta.
func (c *Fake) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}
