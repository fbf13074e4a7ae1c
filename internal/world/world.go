// Package world aggregates retained device state from broker messages.
package world

import (
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/log2"
)

// Device maps subtopic to last seen payload.
type Device map[string]string

// World maps device id to its state.
type World map[string]Device

func (d Device) Clone() Device {
	c := make(Device, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// Subtopics sorted.
func (d Device) Subtopics() []string {
	ss := make([]string, 0, len(d))
	for k := range d {
		ss = append(ss, k)
	}
	sort.Strings(ss)
	return ss
}

func (w World) Clone() World {
	c := make(World, len(w))
	for id, d := range w {
		c[id] = d.Clone()
	}
	return c
}

func (w World) Get(id, sub string) (string, bool) {
	d, ok := w[id]
	if !ok {
		return "", false
	}
	v, ok := d[sub]
	return v, ok
}

func (w World) Device(id string) (Device, bool) {
	d, ok := w[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Devices returns sorted ids of real devices, pseudo-devices excluded.
func (w World) Devices() []string {
	ids := make([]string, 0, len(w))
	for id := range w {
		if !topic.IsReserved(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// View is read-only access for drivers and front-ends.
type View interface {
	Get(id, sub string) (string, bool)
	Device(id string) (Device, bool)
	Devices() []string
}

var _ View = World(nil)
var _ View = &Store{}

// Store is World owned by one receive loop, safe for concurrent readers.
type Store struct {
	mu  sync.RWMutex
	log *log2.Log
	w   World
}

func NewStore(log *log2.Log) *Store {
	return &Store{log: log, w: make(World)}
}

// Merge applies message, last write wins. Malformed topic is reported and state unchanged.
func (self *Store) Merge(m *broker.Message) error {
	a, err := topic.Decode(m.Topic)
	if err != nil {
		self.log.Debugf("bad topic=%q", m.Topic)
		return errors.Trace(err)
	}
	self.mu.Lock()
	d, ok := self.w[a.Device]
	if !ok {
		d = make(Device)
		self.w[a.Device] = d
	}
	d[a.Subtopic] = string(m.Payload)
	self.mu.Unlock()
	return nil
}

func (self *Store) Get(id, sub string) (string, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.w.Get(id, sub)
}

func (self *Store) Device(id string) (Device, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.w.Device(id)
}

func (self *Store) Devices() []string {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.w.Devices()
}

// Snapshot returns deep copy.
func (self *Store) Snapshot() World {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.w.Clone()
}
