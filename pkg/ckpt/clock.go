package ckpt

import (
	"time"

	"go.uber.org/atomic"
)

// Clock is a persistent monotonic clock, in nanoseconds.
//
// It is restored from the demarcation time of the newest generation at restart, then
// advanced by the monotonic clock of the host: it never goes backward across restarts.
type Clock struct {
	base  *atomic.Uint64
	last  *atomic.Uint64
	start *atomic.Int64
	since func(int64) time.Duration
}

// NewClock starts a clock at zero
func NewClock() *Clock {
	origin := time.Now()
	return &Clock{
		base:  atomic.NewUint64(0),
		last:  atomic.NewUint64(0),
		start: atomic.NewInt64(0),
		since: func(start int64) time.Duration {
			return time.Since(origin) - time.Duration(start)
		},
	}
}

// Now returns the current persistent time
func (c *Clock) Now() uint64 {
	elapsed := c.since(c.start.Load())
	if elapsed < 0 {
		elapsed = 0
	}
	now := c.base.Load() + uint64(elapsed)
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Restore moves the clock forward to some persistent time. A clock never moves backward.
func (c *Clock) Restore(t uint64) {
	if t <= c.Now() {
		return
	}
	c.start.Store(int64(c.since(0)))
	c.base.Store(t)
	c.last.Store(t)
}
