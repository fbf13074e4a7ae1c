// Package acceptance holds device acceptance test drivers.
// Each driver tests every matching device found in world on first call
// and reports one verdict for the whole group.
package acceptance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/internal/world"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatBudget   = 121 * time.Second
	maxSeqn                  = 99
)

// DefaultEpoch is the zero of device time, seconds since are used in time-off/time-on commands.
var DefaultEpoch = time.Date(2018, 11, 1, 0, 0, 0, 0, time.Local)

type Config struct {
	Epoch             time.Time
	HeartbeatInterval time.Duration
	HeartbeatBudget   time.Duration
}

func (c Config) epoch() time.Time {
	if c.Epoch.IsZero() {
		return DefaultEpoch
	}
	return c.Epoch
}

// All returns every acceptance driver in stable order.
func All(c Config) []driver.Driver {
	return []driver.Driver{
		NewHeartbeat(c.HeartbeatInterval, c.HeartbeatBudget),
		NewOutlet(c.epoch()),
		NewAlarmState(),
	}
}

// Select returns drivers with given names, case insensitive. Empty names select all.
func Select(c Config, names []string) ([]driver.Driver, error) {
	all := All(c)
	if len(names) == 0 {
		return all, nil
	}
	ds := make([]driver.Driver, 0, len(names))
	for _, name := range names {
		found := false
		for _, d := range all {
			if strings.EqualFold(d.Name(), name) {
				ds = append(ds, d)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.NotFoundf("test=%s known=%s", name, strings.Join(Names(c), ","))
		}
	}
	return ds, nil
}

func Names(c Config) []string {
	all := All(c)
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Name()
	}
	return names
}

// discover finds <base>-0000 .. <base>-0099 present in world.
func discover(view world.View, base string) []string {
	var ids []string
	for seqn := 0; seqn <= maxSeqn; seqn++ {
		id := fmt.Sprintf("%s-%04d", base, seqn)
		if _, ok := view.Device(id); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func online(view world.View, id string) bool {
	v, _ := view.Get(id, topic.Online)
	return v == "true"
}

// group is per-device bookkeeping shared by fleet drivers.
type group struct {
	found    bool
	failures map[string]string
	passed   []string
}

func (g *group) fail(id, format string, args ...interface{}) {
	if g.failures == nil {
		g.failures = make(map[string]string)
	}
	g.failures[id] = fmt.Sprintf(format, args...)
}

func (g *group) verdict() (bool, string) {
	if !g.found {
		return false, "no devices"
	}
	if len(g.failures) == 0 {
		return true, fmt.Sprintf("devices=%s", strings.Join(g.passed, ","))
	}
	ids := make([]string, 0, len(g.failures))
	for id := range g.failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id + ": " + g.failures[id]
	}
	return false, strings.Join(parts, "; ")
}
