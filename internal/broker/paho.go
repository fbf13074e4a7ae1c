package broker

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/log2"
)

// subscription failure code in SUBACK
const pahoSubFailure = 0x80

var pahoLogOnce sync.Once

type pahoDialer struct {
	log *log2.Log
	opt Options
}

type pahoSession struct {
	c       paho.Client
	id      string
	inbox   *inbox
	log     *log2.Log
	once    sync.Once
	timeout time.Duration
}

func newPahoDialer(log *log2.Log, opt Options) *pahoDialer {
	if log != nil {
		pahoLogOnce.Do(func() {
			paho.ERROR = log
			paho.CRITICAL = log
			paho.WARN = log
		})
	}
	return &pahoDialer{log: log, opt: opt}
}

func (d *pahoDialer) Dial(ctx context.Context) (Session, error) {
	s := &pahoSession{
		id:      NewClientID(d.opt.ClientIDPrefix),
		inbox:   newInbox(),
		log:     d.log,
		timeout: d.opt.NetworkTimeout,
	}
	mopt := paho.NewClientOptions().
		AddBroker(d.opt.URL).
		SetClientID(s.id).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(time.Duration(d.opt.KeepaliveSec) * time.Second).
		SetConnectTimeout(d.opt.NetworkTimeout).
		SetWriteTimeout(d.opt.NetworkTimeout).
		SetOrderMatters(true).
		SetDefaultPublishHandler(s.onMessage).
		SetConnectionLostHandler(func(_ paho.Client, err error) { s.inbox.fail(lostError(err)) })
	if d.opt.Username != "" {
		mopt.SetUsername(d.opt.Username).SetPassword(d.opt.Password)
	}
	if d.opt.TLS != nil {
		mopt.SetTLSConfig(d.opt.TLS)
	}
	s.c = paho.NewClient(mopt)

	if err := s.wait(ctx, s.c.Connect()); err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Annotatef(ErrBrokerUnavailable, "url=%s err=%v", d.opt.URL, err)
	}
	d.log.Debugf("broker connected url=%s client=%s", d.opt.URL, s.id)
	return s, nil
}

func (s *pahoSession) onMessage(_ paho.Client, m paho.Message) {
	s.inbox.push(&Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
}

func (s *pahoSession) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := s.inbox.check(); err != nil {
		return err
	}
	err := s.wait(ctx, s.c.Publish(topic, 1, retain, payload))
	return s.wrapError(err, "publish topic=%s", topic)
}

func (s *pahoSession) Subscribe(ctx context.Context, filter string) error {
	if err := s.inbox.check(); err != nil {
		return err
	}
	tok := s.c.Subscribe(filter, 1, nil)
	if err := s.wait(ctx, tok); err != nil {
		return s.wrapError(err, "subscribe filter=%s", filter)
	}
	if st, ok := tok.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[filter]; ok && code == pahoSubFailure {
			return errors.Errorf("subscribe filter=%s rejected by broker", filter)
		}
	}
	return nil
}

func (s *pahoSession) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	return s.inbox.receive(ctx, timeout)
}

func (s *pahoSession) Close() error {
	s.once.Do(func() {
		s.inbox.close()
		if s.c.IsConnected() {
			s.c.Disconnect(250)
		}
	})
	return nil
}

func (s *pahoSession) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.Timeoutf("broker response")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pahoSession) wrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if e := s.inbox.check(); e != nil {
		return e
	}
	if !s.c.IsConnectionOpen() {
		return lostError(err)
	}
	return errors.Annotatef(err, format, args...)
}
