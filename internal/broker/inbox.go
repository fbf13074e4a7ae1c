package broker

import (
	"context"
	"sync"
	"time"
)

// inbox buffers messages between transport callbacks and Receive.
// Unbounded: transport callback must never block, QoS 1 ack depends on it.
type inbox struct {
	mu     sync.Mutex
	q      []*Message
	err    error
	closed bool
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (ib *inbox) push(m *Message) {
	ib.mu.Lock()
	if !ib.closed {
		ib.q = append(ib.q, m)
	}
	ib.mu.Unlock()
	ib.wake()
}

// fail remembers first error, later Receive and Publish return it
func (ib *inbox) fail(err error) {
	ib.mu.Lock()
	if ib.err == nil {
		ib.err = err
	}
	ib.mu.Unlock()
	ib.wake()
}

func (ib *inbox) close() {
	ib.mu.Lock()
	ib.closed = true
	ib.q = nil
	ib.mu.Unlock()
	ib.wake()
}

func (ib *inbox) check() error {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.closed {
		return ErrSessionClosed
	}
	return ib.err
}

func (ib *inbox) wake() {
	select {
	case ib.notify <- struct{}{}:
	default:
	}
}

func (ib *inbox) pop() (*Message, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.closed {
		return nil, ErrSessionClosed
	}
	if len(ib.q) != 0 {
		m := ib.q[0]
		ib.q[0] = nil
		ib.q = ib.q[1:]
		return m, nil
	}
	return nil, ib.err
}

func (ib *inbox) receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m, err := ib.pop()
		if m != nil || err != nil {
			return m, err
		}
		select {
		case <-ib.notify:
		case <-timer.C:
			return nil, ErrIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
