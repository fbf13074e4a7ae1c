package driver

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/world"
	"github.com/temoto/iotfleet/log2"
)

const DefaultWarmup = 2 * time.Second

type Options struct {
	// Warmup lets initial retained messages arrive before any driver sees world.
	Warmup  time.Duration
	Silence time.Duration
	Clock   func() time.Time
}

type registration struct {
	d      Driver
	status Status
	calls  int
}

// Engine advances registered drivers until none is New or Running.
// Single goroutine: Step calls never overlap and drivers are called in registration order.
type Engine struct {
	Log     *log2.Log
	opt     Options
	regs    []*registration
	keys    map[string]string
	started time.Time
}

func NewEngine(log *log2.Log, opt Options) *Engine {
	if opt.Warmup < 0 {
		opt.Warmup = 0
	}
	if opt.Silence <= 0 {
		opt.Silence = world.DefaultSilence
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	return &Engine{
		Log:  log,
		opt:  opt,
		keys: make(map[string]string),
	}
}

func (self *Engine) Register(d Driver) error {
	if x, ok := d.(Exclusive); ok {
		key := x.ExclusiveKey()
		if ex, dup := self.keys[key]; dup {
			return errors.AlreadyExistsf("driver=%s key=%s conflicts with driver=%s", d.Name(), key, ex)
		}
		self.keys[key] = d.Name()
	}
	self.regs = append(self.regs, &registration{d: d, status: New})
	return nil
}

func (self *Engine) Len() int { return len(self.regs) }

// Step is one scheduler tick. Returns true when no driver is left to advance.
func (self *Engine) Step(ctx context.Context, now time.Time, view world.View, pub broker.Publisher) bool {
	if self.started.IsZero() {
		self.started = now
	}
	if now.Sub(self.started) < self.opt.Warmup {
		return self.finished()
	}

	tick := &Tick{Ctx: ctx, Now: now, World: view, Pub: pub, Log: self.Log}
	for _, r := range self.regs {
		if !r.status.Active() {
			continue
		}
		r.calls++
		status := r.d.Advance(tick)
		if status != r.status {
			self.Log.Debugf("driver=%s status %s -> %s", r.d.Name(), r.status, status)
		}
		r.status = status
	}
	return self.finished()
}

func (self *Engine) finished() bool {
	for _, r := range self.regs {
		if r.status.Active() {
			return false
		}
	}
	return true
}

// Run owns one broker session and drives all registered drivers to completion.
// Session is closed on every path. Report is valid even with error.
func (self *Engine) Run(ctx context.Context, dialer broker.Dialer, filters ...string) (*Report, error) {
	s, err := dialer.Dial(ctx)
	if err != nil {
		return self.Report(), errors.Trace(err)
	}
	defer s.Close()

	store := world.NewStore(self.Log)
	mon := world.NewMonitor(self.Log, s, store, self.opt.Silence)
	if err = mon.Start(ctx, filters...); err != nil {
		return self.Report(), errors.Trace(err)
	}
	self.started = self.opt.Clock()
	if self.finished() {
		return self.Report(), nil
	}
	for {
		if _, err = mon.Next(ctx); err != nil {
			return self.Report(), errors.Annotate(err, "engine")
		}
		if self.Step(ctx, self.opt.Clock(), store, s) {
			return self.Report(), nil
		}
		if err = ctx.Err(); err != nil {
			return self.Report(), err
		}
	}
}

func (self *Engine) Report() *Report {
	r := &Report{Results: make([]Result, 0, len(self.regs))}
	for _, reg := range self.regs {
		res := Result{Name: reg.d.Name(), Status: reg.status, Calls: reg.calls}
		if v, ok := reg.d.(Verdicter); ok {
			res.Passed, res.Detail = v.Verdict()
		} else {
			res.Passed = true
		}
		switch reg.status {
		case Done:
		case NotRun:
			res.Passed = false
		default:
			// driver still New or Running, run ended by ctx or session error
			res.Passed = false
			if res.Detail == "" {
				res.Detail = "unfinished"
			} else {
				res.Detail = "unfinished: " + res.Detail
			}
		}
		r.Results = append(r.Results, res)
	}
	return r
}
