package mqtt_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotfleet/helpers"
	"github.com/temoto/iotfleet/log2"
	"github.com/temoto/iotfleet/mqtt"
)

const testDefaultTimeout = 1000 * time.Millisecond

type tenv struct {
	t    testing.TB
	ctx  context.Context
	log  *log2.Log
	s    *mqtt.Server
	addr string
	rand *rand.Rand
}

func TestServer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		check func(*tenv)
	}{
		{name: "invalid-credentials", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.ClientID = "cli"
			pktConnect.Username = "unknown"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.False(env.t, pktConnack.SessionPresent)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{name: "accepted-clean", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
		}},
		{name: "sub-qos0", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			msgout := packet.Message{Topic: "devices/a/temperature", QOS: packet.QOSAtMostOnce, Payload: []byte("21.5")}
			connPublish(env, conn, msgout)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
			assert.False(env.t, pktPublish.Message.Retain)
		}},
		{name: "sub-qos1-pub-qos1", check: func(env *tenv) {
			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "devices/+/led/on", QOS: packet.QOSAtLeastOnce}})

			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "devices/a/led/on", QOS: packet.QOSAtLeastOnce, Payload: []byte("true")}
			sent := make(chan struct{})
			go func() {
				defer close(sent)
				pktPublish := packet.NewPublish()
				pktPublish.ID = 7
				pktPublish.Message = msgout
				if !assert.NoError(env.t, pub.Send(pktPublish, false)) {
					return
				}
				pkt, err := pub.Receive()
				if assert.NoError(env.t, err) {
					assert.Equal(env.t, packet.ID(7), pkt.(*packet.Puback).ID)
				}
			}()

			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			require.Equal(env.t, packet.QOSAtLeastOnce, pktPublish.Message.QOS)
			connPuback(env, sub, pktPublish.ID)
			<-sent
		}},
		{name: "self-subscribed-qos1", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "devices/#", QOS: packet.QOSAtLeastOnce}})
			pktPublish := packet.NewPublish()
			pktPublish.ID = 9
			pktPublish.Message = packet.Message{Topic: "devices/a/led/on/set", QOS: packet.QOSAtLeastOnce, Payload: []byte("true")}
			require.NoError(env.t, conn.Send(pktPublish, false))

			// PUBACK and own copy arrive in any order, neither waits for the other
			gotAck, gotCopy := false, false
			for !gotAck || !gotCopy {
				switch pkt := connReceive(env, conn).(type) {
				case *packet.Puback:
					assert.Equal(env.t, packet.ID(9), pkt.ID)
					gotAck = true
				case *packet.Publish:
					assert.Equal(env.t, "devices/a/led/on/set", pkt.Message.Topic)
					connPuback(env, conn, pkt.ID)
					gotCopy = true
				default:
					require.Fail(env.t, "unexpected packet", mqtt.PacketString(pkt))
				}
			}
		}},
		{name: "retained-on-subscribe", check: func(env *tenv) {
			pub := connDial(env)
			connConnect(env, pub, "", nil)
			connPublish(env, pub, packet.Message{Topic: "devices/b/$online", QOS: packet.QOSAtLeastOnce, Payload: []byte("true"), Retain: true})
			connPublish(env, pub, packet.Message{Topic: "devices/a/$online", QOS: packet.QOSAtLeastOnce, Payload: []byte("false"), Retain: true})

			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "devices/#", QOS: packet.QOSAtLeastOnce}})
			for _, expect := range []string{"devices/a/$online", "devices/b/$online"} {
				pktPublish := connReceive(env, sub).(*packet.Publish)
				assert.Equal(env.t, expect, pktPublish.Message.Topic)
				assert.True(env.t, pktPublish.Message.Retain)
				connPuback(env, sub, pktPublish.ID)
			}
			assert.Len(env.t, env.s.Retain(), 2)
		}},
		{name: "retained-erase", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connPublish(env, conn, packet.Message{Topic: "devices/a/$fw/checksum", QOS: packet.QOSAtLeastOnce, Payload: []byte("abc"), Retain: true})
			require.Len(env.t, env.s.Retain(), 1)
			connPublish(env, conn, packet.Message{Topic: "devices/a/$fw/checksum", QOS: packet.QOSAtLeastOnce, Retain: true})
			assert.Len(env.t, env.s.Retain(), 0)
		}},
		{name: "unsubscribe", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "devices/#", QOS: packet.QOSAtMostOnce}})
			pkt := packet.NewUnsubscribe()
			pkt.ID = 3
			pkt.Topics = []string{"devices/#"}
			require.NoError(env.t, conn.Send(pkt, false))
			assert.Equal(env.t, packet.ID(3), connReceive(env, conn).(*packet.Unsuback).ID)
			n, err := env.s.Publish(env.ctx, &packet.Message{Topic: "devices/a/x", Payload: []byte("1")})
			require.NoError(env.t, err)
			assert.Equal(env.t, 0, n)
		}},
		{name: "will", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "devices/c/$online", Payload: []byte("false")}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Close())

			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, will.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, will.Payload, pktPublish.Message.Payload)
		}},
		{name: "disconnect-clean", check: func(env *tenv) {
			connTrigger := connDial(env)
			will := &packet.Message{Topic: "devices/c/$online", Payload: []byte("false"), Retain: true}
			connConnect(env, connTrigger, "", will)
			connDisconnect(env, connTrigger)
			require.NoError(env.t, connTrigger.Close())
			time.Sleep(testDefaultTimeout / 10)

			require.Len(env.t, env.s.Retain(), 0)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				t:    t,
				ctx:  context.Background(),
				log:  log2.NewTest(t, log2.LDebug),
				rand: helpers.RandUnix(),
			}
			if os.Getenv("iotfleet_test_log_stderr") == "1" {
				env.log = log2.NewStderr(log2.LDebug) // useful with panics
			}
			testServerDefaultSetup(env)
			defer func() {
				assert.NoError(t, env.s.Close())
			}()
			c.check(env)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()

	s := mqtt.NewServer(mqtt.ServerOptions{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, s.Close())
	lopts := []*mqtt.ListenOptions{{URL: "tcp://localhost:"}}
	err := s.Listen(context.Background(), lopts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func testServerDefaultSetup(env *tenv) {
	sopt := mqtt.ServerOptions{
		Log:       env.log,
		OnConnect: mqtt.AllowPassword("testuser", "testsecret"),
	}
	env.s = mqtt.NewServer(sopt)
	lopts := []*mqtt.ListenOptions{{URL: "tcp://localhost:", NetworkTimeout: testDefaultTimeout}}
	require.NoError(env.t, env.s.Listen(env.ctx, lopts))
	addrs := env.s.Addrs()
	require.Len(env.t, addrs, 1)
	env.addr = addrs[0]
}

func connDial(env *tenv) transport.Conn {
	addr := "tcp://" + env.addr
	c, err := transport.Dial(addr)
	require.NoError(env.t, err)
	c.SetReadTimeout(testDefaultTimeout)
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return

	case packet.QOSAtLeastOnce:
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)

	default:
		panic("code error qos=2 not supported")
	}
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	env.log.Debugf("testClient recv pkt=%s err=%v", mqtt.PacketString(pkt), err)
	require.NoError(env.t, err)
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}

func connPuback(env *tenv, c transport.Conn, id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(env.t, c.Send(pkt, false))
}

func connDisconnect(env *tenv, c transport.Conn) {
	require.NoError(env.t, c.Send(packet.NewDisconnect(), false))
}
