// Package ota pushes firmware to one device over retained broker topics.
//
// Protocol: publish checksum, device answers status "<code> <detail>" under
// $implementation/ota/status. 202 accepted -> publish firmware, 206 "<done>/<total>"
// progress, 200 success, 304 already current, 400/500 device error, 403 disabled.
package ota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/log2"
)

const (
	DefaultStatusTimeout = 1 * time.Second
	DefaultBudget        = 60 * time.Second
	ProgressStep         = 5
)

// Device status codes.
const (
	CodeOK            = 200
	CodeAccepted      = 202
	CodePartial       = 206
	CodeNotModified   = 304
	CodeBadRequest    = 400
	CodeForbidden     = 403
	CodeInternalError = 500
)

type State int

const (
	Idle State = iota
	Starting
	Loading
	Succeeded
	AlreadyCurrent
	Rejected
	DeviceError
	Timeout
	Failed // session or pre-flight failure, see Err()
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Loading:
		return "loading"
	case Succeeded:
		return "succeeded"
	case AlreadyCurrent:
		return "already_current"
	case Rejected:
		return "rejected"
	case DeviceError:
		return "device_error"
	case Timeout:
		return "timeout"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool { return s >= Succeeded }

type Options struct {
	Device        string
	Firmware      *Firmware
	Style         Style
	StatusTimeout time.Duration
	Budget        time.Duration
	Progress      func(device string, percent int)
}

// Upgrade is driver.Driver for one device.
type Upgrade struct {
	opt Options

	state        State
	err          error
	lastStatus   string
	lastCode     int
	lastText     string
	lastStatusAt time.Time
	misses       int
	watermark    int
	cleared      bool
}

var _ driver.Driver = &Upgrade{}
var _ driver.Verdicter = &Upgrade{}
var _ driver.Exclusive = &Upgrade{}

func NewUpgrade(opt Options) *Upgrade {
	if opt.StatusTimeout <= 0 {
		opt.StatusTimeout = DefaultStatusTimeout
	}
	if opt.Budget <= 0 {
		opt.Budget = DefaultBudget
	}
	if opt.Style == "" {
		opt.Style = StyleDigest
	}
	return &Upgrade{opt: opt}
}

func (self *Upgrade) Name() string         { return "ota:" + self.opt.Device }
func (self *Upgrade) ExclusiveKey() string { return "ota/" + self.opt.Device }
func (self *Upgrade) State() State         { return self.state }
func (self *Upgrade) Err() error           { return self.err }
func (self *Upgrade) Misses() int          { return self.misses }

func (self *Upgrade) Verdict() (bool, string) {
	passed := self.state == Succeeded || self.state == AlreadyCurrent
	detail := fmt.Sprintf("device=%s state=%s", self.opt.Device, self.state)
	if self.lastStatus != "" {
		detail += fmt.Sprintf(" code=%d text=%q", self.lastCode, self.lastText)
	}
	if self.err != nil && self.state != AlreadyCurrent {
		detail += " err=" + self.err.Error()
	}
	return passed, detail
}

func (self *Upgrade) FirmwareTopic() string {
	return self.opt.Style.Topic(self.opt.Device, self.opt.Firmware.Digest)
}

func (self *Upgrade) Advance(tick *driver.Tick) driver.Status {
	switch {
	case self.state == Idle:
		return self.preflight(tick)
	case self.state.Terminal():
		return driver.Done
	}

	if status, ok := tick.World.Get(self.opt.Device, topic.OtaStatus); ok && status != "" && status != self.lastStatus {
		self.lastStatus = status
		self.lastStatusAt = tick.Now
		self.misses = 0
		return self.onStatus(tick, status)
	}

	silent := tick.Now.Sub(self.lastStatusAt)
	if silent >= self.opt.StatusTimeout {
		self.misses++
	}
	if silent > self.opt.Budget {
		err := errors.Annotatef(ErrProtocolTimeout, "device=%s state=%s silent=%v", self.opt.Device, self.state, silent)
		return self.finish(tick, Timeout, err)
	}
	return driver.Running
}

func (self *Upgrade) preflight(tick *driver.Tick) driver.Status {
	dev := self.opt.Device
	d, ok := tick.World.Device(dev)
	if !ok {
		return self.notRun(tick, errors.Annotatef(ErrDeviceUnknown, "device=%s", dev))
	}
	if d[topic.Online] != "true" {
		return self.notRun(tick, errors.Annotatef(ErrDeviceOffline, "device=%s online=%q", dev, d[topic.Online]))
	}
	if st := d[topic.OtaStatus]; st != "" {
		return self.notRun(tick, errors.Annotatef(ErrOtaInProgress, "device=%s status=%q", dev, st))
	}
	if d[topic.FwChecksum] == self.opt.Firmware.Digest {
		self.state = AlreadyCurrent
		self.err = errors.Annotatef(ErrAlreadyCurrent, "device=%s checksum=%s", dev, self.opt.Firmware.Digest)
		tick.Log.Infof("ota device=%s firmware %s already installed", dev, self.opt.Firmware.Digest)
		return driver.Done
	}

	tick.Log.Infof("ota device=%s current=%s new=%s size=%d", dev, d[topic.FwChecksum], self.opt.Firmware.Digest, self.opt.Firmware.Size())
	if err := tick.Pub.Publish(tick.Ctx, topic.Device(dev, topic.OtaChecksum), []byte(self.opt.Firmware.Digest), true); err != nil {
		self.state = Failed
		self.err = errors.Annotatef(err, "ota device=%s publish checksum", dev)
		return driver.Done
	}
	self.state = Starting
	self.lastStatusAt = tick.Now
	return driver.Running
}

func (self *Upgrade) notRun(tick *driver.Tick, err error) driver.Status {
	tick.Log.Errorf("ota %v", err)
	self.state = Failed
	self.err = err
	return driver.NotRun
}

func (self *Upgrade) onStatus(tick *driver.Tick, payload string) driver.Status {
	dev := self.opt.Device
	code, text, err := ParseStatus(payload)
	if err != nil {
		tick.Log.Errorf("ota device=%s ignore status=%q err=%v", dev, payload, err)
		return driver.Running
	}
	self.lastCode, self.lastText = code, text
	tick.Log.Debugf("ota device=%s state=%s status=%d %s", dev, self.state, code, text)

	switch self.state {
	case Starting:
		if code != CodeAccepted {
			self.state = Rejected
			self.err = errors.Annotatef(ErrDeviceRejected, "device=%s code=%d text=%q", dev, code, text)
			tick.Log.Errorf("ota %v", self.err)
			return driver.Done
		}
		t := self.FirmwareTopic()
		if err := tick.Pub.Publish(tick.Ctx, t, self.opt.Firmware.Payload, true); err != nil {
			return self.finish(tick, Failed, errors.Annotatef(err, "ota device=%s publish firmware topic=%s", dev, t))
		}
		self.state = Loading
		return driver.Running

	case Loading:
		switch code {
		case CodePartial:
			self.progress(tick, text)
			return driver.Running
		case CodeOK:
			return self.finish(tick, Succeeded, nil)
		case CodeNotModified:
			return self.finish(tick, AlreadyCurrent, errors.Annotatef(ErrAlreadyCurrent, "device=%s", dev))
		case CodeBadRequest, CodeInternalError:
			return self.finish(tick, DeviceError, errors.Annotatef(ErrDeviceError, "device=%s code=%d text=%q", dev, code, text))
		case CodeForbidden:
			return self.finish(tick, Rejected, errors.Annotatef(ErrDeviceRejected, "device=%s code=%d text=%q", dev, code, text))
		}
		tick.Log.Errorf("ota device=%s unexpected status=%q in state=%s", dev, payload, self.state)
	}
	return driver.Running
}

func (self *Upgrade) progress(tick *driver.Tick, text string) {
	done, total, err := ParseProgress(text)
	if err != nil {
		tick.Log.Errorf("ota device=%s ignore progress=%q err=%v", self.opt.Device, text, err)
		return
	}
	percent := int(done * 100 / total)
	for next := self.watermark + ProgressStep; next <= percent; next += ProgressStep {
		self.watermark = next
		if self.opt.Progress != nil {
			self.opt.Progress(self.opt.Device, next)
		}
	}
}

func (self *Upgrade) finish(tick *driver.Tick, state State, err error) driver.Status {
	self.state = state
	self.err = err
	if err != nil {
		tick.Log.Errorf("ota %v", err)
	} else {
		tick.Log.Infof("ota device=%s %s", self.opt.Device, state)
	}
	if !self.cleared {
		self.cleared = true
		if cerr := Clear(tick.Ctx, tick.Pub, self.opt.Device, self.FirmwareTopic()); cerr != nil {
			tick.Log.Errorf("ota device=%s clear err=%v", self.opt.Device, cerr)
			if self.err == nil {
				self.state = Failed
				self.err = cerr
			}
		}
	}
	return driver.Done
}

// Clear publishes empty retained payload to checksum, firmware and status topics.
func Clear(ctx context.Context, pub broker.Publisher, device, firmwareTopic string) error {
	topics := []string{
		topic.Device(device, topic.OtaChecksum),
		firmwareTopic,
		topic.Device(device, topic.OtaStatus),
	}
	for _, t := range topics {
		if err := pub.Publish(ctx, t, nil, true); err != nil {
			return errors.Annotatef(err, "clear topic=%s", t)
		}
	}
	return nil
}

// ForceClear recovers device stuck in bad OTA state. Both firmware topic styles are cleared,
// digest style only when digest is known. Device itself is not reset.
func ForceClear(ctx context.Context, log *log2.Log, pub broker.Publisher, device, digest string) error {
	if err := Clear(ctx, pub, device, StyleImplementation.Topic(device, digest)); err != nil {
		return errors.Annotatef(err, "force clear device=%s", device)
	}
	if digest != "" {
		t := StyleDigest.Topic(device, digest)
		if err := pub.Publish(ctx, t, nil, true); err != nil {
			return errors.Annotatef(err, "force clear device=%s topic=%s", device, t)
		}
	}
	log.Infof("ota device=%s force cleared", device)
	return nil
}

// ParseStatus splits "<code> <detail>", detail may be empty.
func ParseStatus(s string) (int, string, error) {
	head, text, _ := strings.Cut(strings.TrimSpace(s), " ")
	code, err := strconv.Atoi(head)
	if err != nil || code < 100 || code > 999 {
		return 0, "", errors.NotValidf("ota status=%q", s)
	}
	return code, strings.TrimSpace(text), nil
}

// ParseProgress parses "<done>/<total>".
func ParseProgress(s string) (done, total int64, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "/")
	if ok {
		done, err = strconv.ParseInt(a, 10, 64)
		if err == nil {
			total, err = strconv.ParseInt(b, 10, 64)
		}
	}
	if !ok || err != nil || total <= 0 || done < 0 || done > total {
		return 0, 0, errors.NotValidf("ota progress=%q", s)
	}
	return done, total, nil
}
