package acceptance

import (
	"strconv"
	"time"

	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/topic"
)

const (
	OutletPrefix   = "outlet-control"
	OutletRelay    = "outlet/on"
	OutletTimeOff  = "outlet/time-off"
	OutletTimeOn   = "outlet/time-on"
	outletSwitch   = time.Second
	outletSchedule = 6 * time.Second
	outletLead     = 5 // seconds ahead for scheduled switch
)

type outletState uint8

const (
	outletNew outletState = iota
	outletSetToOff
	outletOff
	outletSetToOn
	outletTimeOff
	outletWaitOff
	outletWaitOn
	outletDone
)

type outletDevice struct {
	state outletState
	since time.Time
}

// Outlet checks relay switching and scheduled time-off/time-on on outlet-control devices.
type Outlet struct {
	Epoch time.Time

	g       group
	devices map[string]*outletDevice
	order   []string
	scanned bool
}

func NewOutlet(epoch time.Time) *Outlet {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	return &Outlet{Epoch: epoch}
}

func (self *Outlet) Name() string { return "OutletControl" }

func (self *Outlet) Verdict() (bool, string) { return self.g.verdict() }

func (self *Outlet) Advance(tick *driver.Tick) driver.Status {
	if !self.scanned {
		self.scanned = true
		self.devices = make(map[string]*outletDevice)
		for _, id := range discover(tick.World, OutletPrefix) {
			if !online(tick.World, id) {
				self.g.fail(id, "offline")
				continue
			}
			self.order = append(self.order, id)
			self.devices[id] = &outletDevice{since: tick.Now}
		}
		self.g.found = len(self.order) > 0 || len(self.g.failures) > 0
		if !self.g.found {
			return driver.NotRun
		}
	}

	running := 0
	for _, id := range self.order {
		d := self.devices[id]
		if d.state == outletDone {
			continue
		}
		self.step(tick, id, d)
		if d.state != outletDone {
			running++
		}
	}
	if running > 0 {
		return driver.Running
	}
	return driver.Done
}

func (self *Outlet) step(tick *driver.Tick, id string, d *outletDevice) {
	relay, ok := tick.World.Get(id, OutletRelay)
	if !ok {
		self.finish(id, d, "no "+OutletRelay)
		return
	}
	elapsed := tick.Now.Sub(d.since)
	switch d.state {
	case outletNew:
		if relay == "false" {
			self.enter(tick, d, outletOff)
			return
		}
		if self.publish(tick, id, topic.Set(id, OutletRelay), "false", d) {
			self.enter(tick, d, outletSetToOff)
		}

	case outletSetToOff:
		if relay == "false" {
			self.enter(tick, d, outletOff)
		} else if elapsed > outletSwitch {
			self.finish(id, d, "did not switch off")
		}

	case outletOff:
		if self.publish(tick, id, topic.Set(id, OutletRelay), "true", d) {
			self.enter(tick, d, outletSetToOn)
		}

	case outletSetToOn:
		if relay == "true" {
			self.enter(tick, d, outletTimeOff)
		} else if elapsed > outletSwitch {
			self.finish(id, d, "did not switch on")
		}

	case outletTimeOff:
		if self.publish(tick, id, topic.Set(id, OutletTimeOff), self.schedule(tick.Now), d) {
			self.enter(tick, d, outletWaitOff)
		}

	case outletWaitOff:
		if relay == "false" {
			if self.publish(tick, id, topic.Set(id, OutletTimeOn), self.schedule(tick.Now), d) {
				self.enter(tick, d, outletWaitOn)
			}
		} else if elapsed > outletSchedule {
			self.finish(id, d, "time-off did not switch off")
		}

	case outletWaitOn:
		if relay == "true" {
			self.g.passed = append(self.g.passed, id)
			tick.Log.Infof("outlet %s passed", id)
			d.state = outletDone
		} else if elapsed > outletSchedule {
			self.finish(id, d, "time-on did not switch on")
		}
	}
}

// schedule is device time outletLead seconds from now.
func (self *Outlet) schedule(now time.Time) string {
	return strconv.FormatInt(int64(now.Sub(self.Epoch)/time.Second)+outletLead, 10)
}

func (self *Outlet) publish(tick *driver.Tick, id, t, payload string, d *outletDevice) bool {
	if err := tick.Pub.Publish(tick.Ctx, t, []byte(payload), false); err != nil {
		self.finish(id, d, "publish "+t+": "+err.Error())
		return false
	}
	return true
}

func (self *Outlet) enter(tick *driver.Tick, d *outletDevice, s outletState) {
	d.state = s
	d.since = tick.Now
}

func (self *Outlet) finish(id string, d *outletDevice, reason string) {
	self.g.fail(id, "%s", reason)
	d.state = outletDone
}
