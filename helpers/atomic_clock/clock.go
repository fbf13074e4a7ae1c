// Package atomic_clock is a monotonic-enough timestamp safe for concurrent use.
// Used by mqtt keepalive accounting, do not use where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v atomic.Int64 }

func New(unixNano int64) *Clock {
	c := &Clock{}
	c.v.Store(unixNano)
	return c
}

func Now() *Clock { return New(time.Now().UnixNano()) }

func (c *Clock) IsZero() bool    { return c.v.Load() == 0 }
func (c *Clock) UnixNano() int64 { return c.v.Load() }
func (c *Clock) SetNow()         { c.v.Store(time.Now().UnixNano()) }

// Sub returns c - begin.
func (c *Clock) Sub(begin *Clock) time.Duration {
	return time.Duration(c.v.Load() - begin.v.Load())
}

// Since returns elapsed time from c to now.
func (c *Clock) Since() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.v.Load())
}
