package protocol

import (
	"sync"
	"time"
)

// Clock supplies the call timestamp in Unix seconds. It is read once per
// call.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// ManualClock is a settable clock for simulations and tests.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// NewManualClock starts a clock at now.
func NewManualClock(now uint64) *ManualClock {
	return &ManualClock{now: now}
}

// Now implements Clock.
func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to now.
func (c *ManualClock) Set(now uint64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Advance moves the clock forward by d seconds.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
