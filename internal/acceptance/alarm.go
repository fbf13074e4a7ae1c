package acceptance

import (
	"time"

	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/topic"
)

const (
	AlarmPrefix   = "alarm-state"
	AlarmLed      = "led/on"
	AlarmOn       = "on"
	AlarmSet      = "set"
	alarmLedOn    = time.Second
	alarmLedOnMax = 3 * time.Second
)

type alarmState uint8

const (
	alarmNew alarmState = iota
	alarmLedSet
	alarmLedOnState
	alarmDone
)

type alarmDevice struct {
	state alarmState
	since time.Time
}

// AlarmState checks alarm LED lights on command and turns itself off.
type AlarmState struct {
	g       group
	devices map[string]*alarmDevice
	order   []string
	scanned bool
}

func NewAlarmState() *AlarmState { return &AlarmState{} }

func (self *AlarmState) Name() string { return "AlarmState" }

func (self *AlarmState) Verdict() (bool, string) { return self.g.verdict() }

func (self *AlarmState) Advance(tick *driver.Tick) driver.Status {
	if !self.scanned {
		self.scanned = true
		self.devices = make(map[string]*alarmDevice)
		for _, id := range discover(tick.World, AlarmPrefix) {
			if !online(tick.World, id) {
				self.g.fail(id, "offline")
				continue
			}
			self.order = append(self.order, id)
			self.devices[id] = &alarmDevice{since: tick.Now}
		}
		self.g.found = len(self.order) > 0 || len(self.g.failures) > 0
		if !self.g.found {
			return driver.NotRun
		}
	}

	running := 0
	for _, id := range self.order {
		d := self.devices[id]
		if d.state == alarmDone {
			continue
		}
		self.step(tick, id, d)
		if d.state != alarmDone {
			running++
		}
	}
	if running > 0 {
		return driver.Running
	}
	return driver.Done
}

func (self *AlarmState) step(tick *driver.Tick, id string, d *alarmDevice) {
	on, okOn := tick.World.Get(id, AlarmOn)
	set, okSet := tick.World.Get(id, AlarmSet)
	if !okOn || !okSet {
		self.finish(id, d, "missing on/set state")
		return
	}
	elapsed := tick.Now.Sub(d.since)
	switch d.state {
	case alarmNew:
		t := topic.Set(id, AlarmLed)
		if err := tick.Pub.Publish(tick.Ctx, t, []byte("true"), false); err != nil {
			self.finish(id, d, "publish "+t+": "+err.Error())
			return
		}
		d.state, d.since = alarmLedSet, tick.Now

	case alarmLedSet:
		// ticks before the deadline may only carry echo of our own command
		switch {
		case on == "true" && set == "true":
			d.state, d.since = alarmLedOnState, tick.Now
		case elapsed <= alarmLedOn:
		case set != "true":
			self.finish(id, d, "set="+set+" after led command")
		default:
			self.finish(id, d, "led did not turn on")
		}

	case alarmLedOnState:
		switch {
		case on == "false" && set == "false":
			self.g.passed = append(self.g.passed, id)
			tick.Log.Infof("alarm %s passed", id)
			d.state = alarmDone
		case elapsed > alarmLedOnMax:
			self.finish(id, d, "led stays on")
		}
	}
}

func (self *AlarmState) finish(id string, d *alarmDevice, reason string) {
	self.g.fail(id, "%s", reason)
	d.state = alarmDone
}
