package world

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/log2"
)

const DefaultIdle = 1 * time.Second
const DefaultSilence = 1 * time.Second

// SnapshotOnce collects retained state: subscribe, merge until nothing arrives within idle.
// Connection is released on every path.
func SnapshotOnce(ctx context.Context, log *log2.Log, dialer broker.Dialer, filter string, idle time.Duration) (World, error) {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if filter == "" {
		filter = topic.Filter("")
	}
	s, err := dialer.Dial(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer s.Close()

	if err = s.Subscribe(ctx, filter); err != nil {
		return nil, errors.Annotatef(err, "snapshot filter=%s", filter)
	}
	store := NewStore(log)
	for {
		m, err := s.Receive(ctx, idle)
		if broker.IsIdle(err) {
			return store.Snapshot(), nil
		}
		if err != nil {
			return nil, errors.Annotatef(err, "snapshot filter=%s", filter)
		}
		_ = store.Merge(m)
	}
}

// Monitor merges session stream into store forever.
type Monitor struct {
	log     *log2.Log
	s       broker.Session
	store   *Store
	silence time.Duration
}

func NewMonitor(log *log2.Log, s broker.Session, store *Store, silence time.Duration) *Monitor {
	if silence <= 0 {
		silence = DefaultSilence
	}
	return &Monitor{log: log, s: s, store: store, silence: silence}
}

// Start subscribes to filters, whole fleet when none or empty given.
func (self *Monitor) Start(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		filters = []string{""}
	}
	for _, filter := range filters {
		if filter == "" {
			filter = topic.Filter("")
		}
		if err := self.s.Subscribe(ctx, filter); err != nil {
			return errors.Annotatef(err, "monitor filter=%s", filter)
		}
	}
	return nil
}

func (self *Monitor) Store() *Store { return self.store }

// Next waits for one message or silence. Returns merged=false after silence
// or malformed topic. Session errors are fatal.
func (self *Monitor) Next(ctx context.Context) (bool, error) {
	m, err := self.NextMessage(ctx)
	return m != nil, err
}

// NextMessage is Next which also returns merged message, nil on silence.
func (self *Monitor) NextMessage(ctx context.Context) (*broker.Message, error) {
	m, err := self.s.Receive(ctx, self.silence)
	if broker.IsIdle(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = self.store.Merge(m); err != nil {
		return nil, nil
	}
	return m, nil
}
