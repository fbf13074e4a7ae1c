package acceptance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/topic"
)

// Heartbeat checks IOTtime broadcast increments by exactly Interval.
type Heartbeat struct {
	Interval time.Duration
	Budget   time.Duration

	started  time.Time
	base     int64
	haveBase bool
	delta    int64
	done     bool
	passed   bool
	detail   string
}

func NewHeartbeat(interval, budget time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if budget <= 0 {
		budget = DefaultHeartbeatBudget
	}
	return &Heartbeat{Interval: interval, Budget: budget}
}

func (self *Heartbeat) Name() string { return "Timetest" }

func (self *Heartbeat) Verdict() (bool, string) { return self.passed, self.detail }

// Delta is observed increment, valid after Done.
func (self *Heartbeat) Delta() int64 { return self.delta }

func (self *Heartbeat) Advance(tick *driver.Tick) driver.Status {
	if self.done {
		return driver.Done
	}
	if self.started.IsZero() {
		self.started = tick.Now
	}
	if tick.Now.Sub(self.started) > self.Budget {
		return self.finish(false, fmt.Sprintf("no update within %v", self.Budget))
	}

	s, ok := tick.World.Get(topic.Broadcast, topic.IOTtime)
	if !ok {
		s, ok = tick.World.Get(topic.Environment, topic.IOTtime)
	}
	if !ok {
		return driver.Running
	}
	t, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		tick.Log.Debugf("heartbeat ignore IOTtime=%q", s)
		return driver.Running
	}
	tick.Log.Debugf("IOTtime=%d", t)

	expect := int64(self.Interval / time.Second)
	switch {
	case !self.haveBase:
		self.base, self.haveBase = t, true
		return driver.Running
	case self.base == t:
		return driver.Running
	}
	self.delta = t - self.base
	if self.delta == expect {
		return self.finish(true, fmt.Sprintf("delta=%d", self.delta))
	}
	return self.finish(false, fmt.Sprintf("update by %d rather than %d", self.delta, expect))
}

func (self *Heartbeat) finish(passed bool, detail string) driver.Status {
	self.done, self.passed, self.detail = true, passed, detail
	return driver.Done
}
