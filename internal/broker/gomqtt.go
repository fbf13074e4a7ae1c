package broker

import (
	"context"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/log2"
	"github.com/temoto/iotfleet/mqtt"
)

type gomqttDialer struct {
	log *log2.Log
	opt Options
}

type gomqttSession struct {
	c     *mqtt.Client
	id    string
	inbox *inbox
	log   *log2.Log
	once  sync.Once
}

func (d *gomqttDialer) Dial(ctx context.Context) (Session, error) {
	s := &gomqttSession{
		id:    NewClientID(d.opt.ClientIDPrefix),
		inbox: newInbox(),
		log:   d.log,
	}
	var err error
	s.c, err = mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      d.opt.URL,
		TLS:            d.opt.TLS,
		NetworkTimeout: d.opt.NetworkTimeout,
		KeepaliveSec:   d.opt.KeepaliveSec,
		ClientID:       s.id,
		Username:       d.opt.Username,
		Password:       d.opt.Password,
		NoReconnect:    true,
		OnMessage:      s.onMessage,
		OnDisconnect:   func(e error) { s.inbox.fail(lostError(e)) },
		Log:            d.log,
	})
	if err != nil {
		return nil, errors.Annotate(err, "broker config")
	}

	wctx, cancel := context.WithTimeout(ctx, d.opt.NetworkTimeout)
	defer cancel()
	if err = s.c.WaitReady(wctx); err != nil {
		cause := s.inbox.check()
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cause == nil {
			cause = err
		}
		return nil, errors.Annotatef(ErrBrokerUnavailable, "url=%s err=%v", d.opt.URL, cause)
	}
	d.log.Debugf("broker connected url=%s client=%s", d.opt.URL, s.id)
	return s, nil
}

func (s *gomqttSession) onMessage(m *packet.Message) error {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	s.inbox.push(&Message{Topic: m.Topic, Payload: payload, Retained: m.Retain})
	return nil
}

func (s *gomqttSession) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := s.inbox.check(); err != nil {
		return err
	}
	err := s.c.Publish(ctx, &packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     packet.QOSAtLeastOnce,
		Retain:  retain,
	})
	return s.wrapError(err, "publish topic=%s", topic)
}

func (s *gomqttSession) Subscribe(ctx context.Context, filter string) error {
	if err := s.inbox.check(); err != nil {
		return err
	}
	err := s.c.Subscribe(ctx, packet.Subscription{Topic: filter, QOS: packet.QOSAtLeastOnce})
	return s.wrapError(err, "subscribe filter=%s", filter)
}

func (s *gomqttSession) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	return s.inbox.receive(ctx, timeout)
}

// Close is idempotent. Disconnect errors are not interesting to caller, connection is gone either way.
func (s *gomqttSession) Close() error {
	s.once.Do(func() {
		s.inbox.close()
		if err := s.c.Close(); err != nil {
			s.log.Debugf("broker close client=%s err=%v", s.id, err)
		}
	})
	return nil
}

func (s *gomqttSession) wrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if e := s.inbox.check(); e != nil {
		return e
	}
	if err == mqtt.ErrClientClosing {
		return lostError(err)
	}
	return errors.Annotatef(err, format, args...)
}
