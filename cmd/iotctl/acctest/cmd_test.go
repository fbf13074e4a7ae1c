package acctest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/internal/acceptance"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/log2"
	"github.com/temoto/iotfleet/mqtt"
)

func TestRun(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		args   []string
		setup  func(*mqtt.Server)
		expect string
		err    func(error) bool
	}{
		{"alarm-pass", []string{"--only", "AlarmState"}, nil,
			"PASSED\tAlarmState\tdevices=alarm-state-0000\n", nil},
		{"outlet-skipped", []string{"--only", "outletcontrol"}, nil,
			"SKIPPED\tOutletControl\tno devices\n", nil},
		{"unknown", []string{"--only", "nope"}, nil, "", errors.IsNotFound},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			log := log2.NewTest(t, log2.LDebug)

			const id = "alarm-state-0000"
			var server *mqtt.Server
			reply := func(tp, payload string) {
				if _, err := server.Publish(ctx, &packet.Message{Topic: tp, Payload: []byte(payload), Retain: true}); err != nil {
					log.Error(err)
				}
			}
			server = mqtt.NewServer(mqtt.ServerOptions{
				Log:       log,
				OnConnect: mqtt.AllowAll,
				OnPublish: func(ctx context.Context, clientID string, msg *packet.Message) error {
					if msg.Topic == topic.Set(id, acceptance.AlarmLed) {
						go func() {
							reply(topic.Device(id, acceptance.AlarmSet), "true")
							reply(topic.Device(id, acceptance.AlarmOn), "true")
							time.Sleep(100 * time.Millisecond)
							reply(topic.Device(id, acceptance.AlarmOn), "false")
							reply(topic.Device(id, acceptance.AlarmSet), "false")
						}()
					}
					return nil
				},
			})
			require.NoError(t, server.Listen(ctx, []*mqtt.ListenOptions{{URL: "tcp://127.0.0.1:"}}))
			defer server.Close()
			reply(topic.Device(id, topic.Online), "true")
			reply(topic.Device(id, acceptance.AlarmOn), "false")
			reply(topic.Device(id, acceptance.AlarmSet), "false")

			config, err := state.ReadConfig(log, state.NewMockFullReader(nil))
			require.NoError(t, err)
			config.Broker.URL = server.Addrs()[0]
			config.Engine.WarmupMs = 100
			config.World.SilenceMs = 20

			out := bytes.NewBuffer(nil)
			err = Mod.Main(ctx, config, &subcmd.Env{Log: log, Args: c.args, Stdout: out})
			if c.err != nil {
				assert.True(t, c.err(err), errors.ErrorStack(err))
				return
			}
			require.NoError(t, err, errors.ErrorStack(err))
			assert.Equal(t, c.expect, out.String())
		})
	}
}
