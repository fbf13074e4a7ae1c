// Package broker is the session contract used by everything above the transport.
// One Session is one broker connection with clean session state; it is never
// reconnected, connection loss is reported to the caller.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/log2"
)

const (
	ClientGomqtt = "gomqtt"
	ClientPaho   = "paho"

	DefaultURL            = "tcp://localhost:1883"
	DefaultClientIDPrefix = "iotctl"
	DefaultNetworkTimeout = 10 * time.Second
	DefaultKeepaliveSec   = 60
)

var (
	ErrIdle              = errors.New("no message within timeout")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrConnectionLost    = errors.New("broker connection lost")
	ErrSessionClosed     = errors.New("broker session closed")
)

type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

func (m *Message) String() string {
	return fmt.Sprintf("topic=%s retained=%t payload=%s", m.Topic, m.Retained, PayloadString(m.Payload))
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

type Session interface {
	Publisher
	// Subscribe waits for broker acknowledgement.
	Subscribe(ctx context.Context, filter string) error
	// Receive returns next message or ErrIdle when nothing arrived within timeout.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type Options struct {
	URL            string
	Client         string
	ClientIDPrefix string
	Username       string
	Password       string
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
	TLS            *tls.Config
}

func NewDialer(log *log2.Log, opt Options) (Dialer, error) {
	if opt.URL == "" {
		opt.URL = DefaultURL
	}
	opt.URL = NormalizeURL(opt.URL)
	if opt.ClientIDPrefix == "" {
		opt.ClientIDPrefix = DefaultClientIDPrefix
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	switch opt.Client {
	case "", ClientGomqtt:
		return &gomqttDialer{log: log, opt: opt}, nil
	case ClientPaho:
		return newPahoDialer(log, opt), nil
	}
	return nil, errors.NotValidf("broker client=%q", opt.Client)
}

// NormalizeURL accepts bare host:port as tcp.
func NormalizeURL(s string) string {
	if !strings.Contains(s, "://") {
		return "tcp://" + s
	}
	return s
}

func NewClientID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

func IsIdle(err error) bool           { return errors.Cause(err) == ErrIdle }
func IsConnectionLost(err error) bool { return errors.Cause(err) == ErrConnectionLost }
func IsUnavailable(err error) bool    { return errors.Cause(err) == ErrBrokerUnavailable }

func lostError(cause error) error {
	if cause == nil {
		return ErrConnectionLost
	}
	return errors.Annotatef(ErrConnectionLost, "cause=%v", cause)
}

const payloadShowMax = 256

// PayloadString is for diagnostics, firmware images are shown as size only.
func PayloadString(b []byte) string {
	if len(b) > payloadShowMax {
		return fmt.Sprintf("(suppressed %d bytes)", len(b))
	}
	return fmt.Sprintf("%q", b)
}
