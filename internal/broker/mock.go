package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	gtopic "github.com/256dpi/gomqtt/topic"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/log2"
)

// Mock is in-memory broker with retained messages and wildcard subscriptions.
// Sessions see messages in publish order. OnPublish hook runs outside of lock,
// it may publish again, e.g. to simulate device replies.
type Mock struct {
	mu          sync.Mutex
	log         *log2.Log
	retain      *gtopic.Tree // *Message
	subs        *gtopic.Tree // *mockSession
	history     []Message
	unavailable bool

	OnPublish func(ctx context.Context, m Message)
}

type mockSession struct {
	m     *Mock
	inbox *inbox
	once  sync.Once
}

var _ Dialer = &Mock{}

func NewMock(log *log2.Log) *Mock {
	return &Mock{
		log:    log,
		retain: gtopic.NewStandardTree(),
		subs:   gtopic.NewStandardTree(),
	}
}

func (m *Mock) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, errors.Annotatef(ErrBrokerUnavailable, "url=mock")
	}
	return &mockSession{m: m, inbox: newInbox()}, nil
}

// Publish as another client, e.g. a device.
func (m *Mock) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: retain}
	m.log.Debugf("mock publish %s", msg.String())

	m.mu.Lock()
	m.history = append(m.history, msg)
	if retain {
		if len(payload) == 0 {
			m.retain.Empty(topic)
		} else {
			rm := msg
			m.retain.Set(topic, &rm)
		}
	}
	uniq := make(map[*mockSession]struct{})
	for _, x := range m.subs.Match(topic) {
		s := x.(*mockSession)
		if _, ok := uniq[s]; ok {
			continue
		}
		uniq[s] = struct{}{}
		dm := msg
		dm.Retained = false
		s.inbox.push(&dm)
	}
	hook := m.OnPublish
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, msg)
	}
	return nil
}

// Retained returns current retained messages sorted by topic.
func (m *Mock) Retained() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retainedLocked("#")
}

func (m *Mock) retainedLocked(filter string) []Message {
	xs := m.retain.Search(filter)
	ms := make([]Message, 0, len(xs))
	for _, x := range xs {
		ms = append(ms, *x.(*Message))
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].Topic < ms[j].Topic })
	return ms
}

// Published returns every message published so far, including retained erase.
func (m *Mock) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.history...)
}

func (m *Mock) SetUnavailable(u bool) {
	m.mu.Lock()
	m.unavailable = u
	m.mu.Unlock()
}

// DropSessions simulates connection loss on every subscribed session.
func (m *Mock) DropSessions(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.subs.All() {
		x.(*mockSession).inbox.fail(lostError(cause))
	}
}

func (s *mockSession) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if err := s.inbox.check(); err != nil {
		return err
	}
	return s.m.Publish(ctx, topic, payload, retain)
}

func (s *mockSession) Subscribe(ctx context.Context, filter string) error {
	if err := s.inbox.check(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.subs.Add(filter, s)
	for _, rm := range s.m.retainedLocked(filter) {
		rm := rm
		rm.Retained = true
		s.inbox.push(&rm)
	}
	return nil
}

func (s *mockSession) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	return s.inbox.receive(ctx, timeout)
}

func (s *mockSession) Close() error {
	s.once.Do(func() {
		s.inbox.close()
		s.m.mu.Lock()
		s.m.subs.Clear(s)
		s.m.mu.Unlock()
	})
	return nil
}
