// Package timeservice periodically broadcasts device time.
// IOTtime is whole seconds since epoch, published retained to
// environment/IOTtime and devices/$broadcast/IOTtime.
package timeservice

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/log2"
)

const DefaultInterval = 60 * time.Second

type Options struct {
	Interval time.Duration
	Epoch    time.Time
	Clock    func() time.Time
}

type Service struct {
	Log    *log2.Log
	dialer broker.Dialer
	opt    Options
	alive  *alive.Alive
}

func New(log *log2.Log, dialer broker.Dialer, opt Options) *Service {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	return &Service{
		Log:    log,
		dialer: dialer,
		opt:    opt,
		alive:  alive.NewAlive(),
	}
}

// Topics receiving IOTtime.
func Topics() []string {
	return []string{
		topic.Build(topic.Address{Device: topic.Environment, Subtopic: topic.IOTtime}),
		topic.Device(topic.Broadcast, topic.IOTtime),
	}
}

// Value is IOTtime payload for t.
func (self *Service) Value(t time.Time) string {
	return strconv.FormatInt(t.Unix()-self.opt.Epoch.Unix(), 10)
}

// Run publishes now and every interval until ctx is done or Stop.
// Returns nil on stop, session errors otherwise.
func (self *Service) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return nil
	}
	defer self.alive.Done()

	s, err := self.dialer.Dial(ctx)
	if err != nil {
		return errors.Annotate(err, "timeservice")
	}
	defer s.Close()

	tmr := time.NewTicker(self.opt.Interval)
	defer tmr.Stop()
	stopch := self.alive.StopChan()
	for {
		if err = self.publish(ctx, s); err != nil {
			return err
		}
		select {
		case <-tmr.C:
		case <-stopch:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (self *Service) publish(ctx context.Context, pub broker.Publisher) error {
	v := self.Value(self.opt.Clock())
	for _, t := range Topics() {
		self.Log.Debugf("timeservice %s=%s", t, v)
		if err := pub.Publish(ctx, t, []byte(v), true); err != nil {
			return errors.Annotatef(err, "timeservice topic=%s", t)
		}
	}
	return nil
}

func (self *Service) Stop() {
	self.alive.Stop()
	self.alive.Wait()
}
