// Package ratelimit throttles repetitive log lines. Corrupt history entries
// and bridge read failures tend to arrive in bursts; the counter keeps an
// exact running total while letting at most one line through per interval.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and gates how often they may be logged.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
}

// NewCounter constructs a Counter that lets one log line through per
// interval. A zero or negative interval disables throttling (always logs).
func NewCounter(interval time.Duration) Counter {
	return Counter{interval: interval}
}

// Inc records one event, returning the running total and whether this
// occurrence should be logged.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := time.Now().UTC().UnixNano()
	last := c.lastLog.Load()
	if now-last < c.interval.Nanoseconds() {
		return total, false
	}
	if c.lastLog.CompareAndSwap(last, now) {
		return total, true
	}
	return total, false
}
