// Package driver runs resumable state machines against world state.
// Drivers never block: waiting is returning Running and being called again on a later tick.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/world"
	"github.com/temoto/iotfleet/log2"
)

type Status int

const (
	New Status = iota
	Running
	Done
	NotRun
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case Running:
		return "running"
	case Done:
		return "done"
	case NotRun:
		return "not_run"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Active statuses are scheduled on next tick.
func (s Status) Active() bool { return s == New || s == Running }

// Tick is everything driver may use during one Advance call.
// World is read-only, change device state by publishing commands.
type Tick struct {
	Ctx   context.Context
	Now   time.Time
	World world.View
	Pub   broker.Publisher
	Log   *log2.Log
}

type Driver interface {
	Name() string
	Advance(*Tick) Status
}

// Verdicter is implemented by drivers with own pass/fail bookkeeping.
type Verdicter interface {
	Verdict() (passed bool, detail string)
}

// Exclusive drivers with same key may not be registered together.
type Exclusive interface {
	ExclusiveKey() string
}

// Func adapts plain function to Driver.
type Func struct {
	N string
	F func(*Tick) Status
}

func (f Func) Name() string              { return f.N }
func (f Func) Advance(tick *Tick) Status { return f.F(tick) }
