package broker

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotfleet/log2"
	"github.com/temoto/iotfleet/mqtt"
)

const testTimeout = 2 * time.Second

func TestMock(t *testing.T) {
	t.Parallel()

	type tenv struct {
		ctx context.Context
		m   *Mock
	}
	receiveAll := func(t testing.TB, s Session) []Message {
		var ms []Message
		for {
			m, err := s.Receive(context.Background(), 50*time.Millisecond)
			if IsIdle(err) {
				return ms
			}
			require.NoError(t, err)
			ms = append(ms, *m)
		}
	}
	cases := []struct {
		name  string
		check func(t testing.TB, env *tenv)
	}{
		{"retained-on-subscribe", func(t testing.TB, env *tenv) {
			require.NoError(t, env.m.Publish(env.ctx, "devices/b/$online", []byte("true"), true))
			require.NoError(t, env.m.Publish(env.ctx, "devices/a/$online", []byte("true"), true))
			require.NoError(t, env.m.Publish(env.ctx, "devices/a/volatile", []byte("1"), false))
			s, err := env.m.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "devices/#"))
			ms := receiveAll(t, s)
			require.Len(t, ms, 2)
			assert.Equal(t, "devices/a/$online", ms[0].Topic)
			assert.True(t, ms[0].Retained)
			assert.Equal(t, "devices/b/$online", ms[1].Topic)
		}},
		{"erase", func(t testing.TB, env *tenv) {
			require.NoError(t, env.m.Publish(env.ctx, "devices/a/$online", []byte("true"), true))
			require.NoError(t, env.m.Publish(env.ctx, "devices/a/$online", nil, true))
			assert.Len(t, env.m.Retained(), 0)
			assert.Len(t, env.m.Published(), 2)
		}},
		{"wildcard-live", func(t testing.TB, env *tenv) {
			s, err := env.m.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "devices/+/led/#"))
			require.NoError(t, s.Subscribe(env.ctx, "devices/a/#"))
			require.NoError(t, s.Publish(env.ctx, "devices/a/led/on", []byte("true"), false))
			require.NoError(t, s.Publish(env.ctx, "devices/b/outlet/on", []byte("true"), false))
			ms := receiveAll(t, s)
			require.Len(t, ms, 1, "one copy for overlapping subscriptions")
			assert.Equal(t, "devices/a/led/on", ms[0].Topic)
			assert.False(t, ms[0].Retained)
		}},
		{"unavailable", func(t testing.TB, env *tenv) {
			env.m.SetUnavailable(true)
			_, err := env.m.Dial(env.ctx)
			assert.True(t, IsUnavailable(err))
		}},
		{"drop", func(t testing.TB, env *tenv) {
			s, err := env.m.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "#"))
			env.m.DropSessions(fmt.Errorf("cable cut"))
			_, err = s.Receive(env.ctx, testTimeout)
			assert.True(t, IsConnectionLost(err))
			assert.Contains(t, err.Error(), "cable cut")
			assert.True(t, IsConnectionLost(s.Publish(env.ctx, "x", nil, false)))
		}},
		{"closed", func(t testing.TB, env *tenv) {
			s, err := env.m.Dial(env.ctx)
			require.NoError(t, err)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
			_, err = s.Receive(env.ctx, testTimeout)
			assert.Equal(t, ErrSessionClosed, err)
		}},
		{"hook-reply", func(t testing.TB, env *tenv) {
			env.m.OnPublish = func(ctx context.Context, msg Message) {
				if msg.Topic == "devices/a/led/on/set" {
					_ = env.m.Publish(ctx, "devices/a/led/on", msg.Payload, true)
				}
			}
			s, err := env.m.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "devices/a/led/on"))
			require.NoError(t, s.Publish(env.ctx, "devices/a/led/on/set", []byte("true"), false))
			m, err := s.Receive(env.ctx, testTimeout)
			require.NoError(t, err)
			assert.Equal(t, "true", string(m.Payload))
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{ctx: context.Background(), m: NewMock(log2.NewTest(t, log2.LDebug))}
			c.check(t, env)
		})
	}
}

func TestReceiveContext(t *testing.T) {
	t.Parallel()

	m := NewMock(log2.NewTest(t, log2.LDebug))
	s, err := m.Dial(context.Background())
	require.NoError(t, err)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Receive(ctx, testTimeout)
	assert.Equal(t, context.Canceled, err)
}

func TestNewDialer(t *testing.T) {
	t.Parallel()

	_, err := NewDialer(nil, Options{Client: "carrier-pigeon"})
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
	assert.Equal(t, "tcp://host:1883", NormalizeURL("host:1883"))
	assert.Equal(t, "ssl://host:8883", NormalizeURL("ssl://host:8883"))
	id1, id2 := NewClientID("iotctl"), NewClientID("iotctl")
	assert.NotEqual(t, id1, id2)
	assert.Regexp(t, `^iotctl-[0-9a-f-]{36}$`, id1)
}

func TestPayloadString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"true"`, PayloadString([]byte("true")))
	assert.Equal(t, "(suppressed 1024 bytes)", PayloadString(make([]byte, 1024)))
}

// Both real backends against in-process MQTT server.
func TestBackends(t *testing.T) {
	t.Parallel()

	type tenv struct {
		ctx    context.Context
		log    *log2.Log
		server *mqtt.Server
		dialer Dialer
	}
	cases := []struct {
		name  string
		check func(t testing.TB, env *tenv)
	}{
		{"retained-snapshot", func(t testing.TB, env *tenv) {
			pub, err := env.dialer.Dial(env.ctx)
			require.NoError(t, err)
			require.NoError(t, pub.Publish(env.ctx, "devices/a/$online", []byte("true"), true))
			require.NoError(t, pub.Publish(env.ctx, "devices/a/$fw/checksum", []byte("abc"), true))
			require.NoError(t, pub.Close())

			s, err := env.dialer.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "devices/#"))
			seen := map[string]string{}
			for {
				m, err := s.Receive(env.ctx, 300*time.Millisecond)
				if IsIdle(err) {
					break
				}
				require.NoError(t, err)
				assert.True(t, m.Retained)
				seen[m.Topic] = string(m.Payload)
			}
			assert.Equal(t, map[string]string{"devices/a/$online": "true", "devices/a/$fw/checksum": "abc"}, seen)
		}},
		{"live", func(t testing.TB, env *tenv) {
			s, err := env.dialer.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "devices/+/led/on/set"))
			require.NoError(t, s.Publish(env.ctx, "devices/a/led/on/set", []byte("true"), false))
			m, err := s.Receive(env.ctx, testTimeout)
			require.NoError(t, err)
			assert.Equal(t, "devices/a/led/on/set", m.Topic)
			assert.False(t, m.Retained)
		}},
		{"connection-lost", func(t testing.TB, env *tenv) {
			s, err := env.dialer.Dial(env.ctx)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Subscribe(env.ctx, "devices/#"))
			require.NoError(t, env.server.Close())
			_, err = s.Receive(env.ctx, testTimeout)
			assert.True(t, IsConnectionLost(err), "err=%v", err)
		}},
	}
	for _, client := range []string{ClientGomqtt, ClientPaho} {
		client := client
		for _, c := range cases {
			c := c
			t.Run(client+"/"+c.name, func(t *testing.T) {
				t.Parallel()
				ctx, cancel := context.WithTimeout(context.Background(), 5*testTimeout)
				defer cancel()
				env := &tenv{ctx: ctx, log: log2.NewTest(t, log2.LDebug)}
				env.server = mqtt.NewServer(mqtt.ServerOptions{Log: env.log, OnConnect: mqtt.AllowAll})
				require.NoError(t, env.server.Listen(ctx, []*mqtt.ListenOptions{{URL: "tcp://127.0.0.1:", NetworkTimeout: testTimeout}}))
				defer env.server.Close()
				var err error
				env.dialer, err = NewDialer(env.log, Options{
					URL:            env.server.Addrs()[0],
					Client:         client,
					NetworkTimeout: testTimeout,
				})
				require.NoError(t, err)
				c.check(t, env)
			})
		}
	}
}

func TestBackendUnavailable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	for _, client := range []string{ClientGomqtt, ClientPaho} {
		client := client
		t.Run(client, func(t *testing.T) {
			t.Parallel()
			d, err := NewDialer(log2.NewTest(t, log2.LDebug), Options{URL: addr, Client: client, NetworkTimeout: testTimeout})
			require.NoError(t, err)
			_, err = d.Dial(context.Background())
			require.Error(t, err)
			assert.True(t, IsUnavailable(err), "err=%v", err)
			assert.Contains(t, err.Error(), addr)
		})
	}
}
