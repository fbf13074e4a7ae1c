// Package retained lists and erases retained broker messages.
package retained

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/helpers"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/internal/world"
	"github.com/temoto/iotfleet/log2"
)

const DefaultLimit = 64

var ErrLimit = errors.New("retained list limit reached")

// List drains retained messages under prefix/# until nothing arrives within idle.
// Stops with ErrLimit after limit messages, limit <= 0 means no limit.
// Returned messages are valid with ErrLimit.
func List(ctx context.Context, dialer broker.Dialer, prefix string, idle time.Duration, limit int) ([]broker.Message, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || strings.ContainsAny(prefix, "#+") {
		return nil, errors.NotValidf("prefix=%q", prefix)
	}
	if idle <= 0 {
		idle = world.DefaultIdle
	}
	s, err := dialer.Dial(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer s.Close()

	filter := prefix + "/#"
	if err = s.Subscribe(ctx, filter); err != nil {
		return nil, errors.Annotatef(err, "list filter=%s", filter)
	}
	var ms []broker.Message
	for {
		m, err := s.Receive(ctx, idle)
		if broker.IsIdle(err) {
			return ms, nil
		}
		if err != nil {
			return ms, errors.Annotatef(err, "list filter=%s", filter)
		}
		if len(m.Payload) == 0 {
			continue
		}
		ms = append(ms, *m)
		if limit > 0 && len(ms) >= limit {
			return ms, ErrLimit
		}
	}
}

// Erase publishes empty retained payload to every topic.
// Continues after failures, returns all of them folded.
func Erase(ctx context.Context, log *log2.Log, pub broker.Publisher, topics []string) error {
	var errs []error
	for _, t := range topics {
		log.Debugf("erase %s", t)
		if err := pub.Publish(ctx, t, nil, true); err != nil {
			errs = append(errs, errors.Annotatef(err, "erase topic=%s", t))
		}
	}
	return helpers.FoldErrors(errs)
}

// EraseDevice removes every retained subtopic of device. Returns erased topics.
func EraseDevice(ctx context.Context, log *log2.Log, dialer broker.Dialer, id string, idle time.Duration) ([]string, error) {
	if !topic.ValidDevice(id) || topic.IsReserved(id) {
		return nil, errors.NotValidf("device=%q", id)
	}
	w, err := world.SnapshotOnce(ctx, log, dialer, topic.Filter(id), idle)
	if err != nil {
		return nil, errors.Annotatef(err, "erase device=%s", id)
	}
	d, ok := w.Device(id)
	if !ok {
		return nil, errors.NotFoundf("device=%s", id)
	}
	topics := make([]string, 0, len(d))
	for _, sub := range d.Subtopics() {
		topics = append(topics, topic.Device(id, sub))
	}

	s, err := dialer.Dial(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer s.Close()
	if err = Erase(ctx, log, s, topics); err != nil {
		return nil, errors.Annotatef(err, "erase device=%s", id)
	}
	log.Infof("erased device=%s topics=%d", id, len(topics))
	return topics, nil
}

func IsLimit(err error) bool { return errors.Cause(err) == ErrLimit }
