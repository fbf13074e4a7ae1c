package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotfleet/internal/acceptance"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/ota"
	"github.com/temoto/iotfleet/log2"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			bo := c.BrokerOptions()
			assert.Equal(t, "", bo.URL)
			assert.Equal(t, broker.DefaultNetworkTimeout, bo.NetworkTimeout)
			assert.Equal(t, uint16(60), bo.KeepaliveSec)
			assert.Equal(t, time.Second, c.Idle())
			eo := c.EngineOptions()
			assert.Equal(t, 2*time.Second, eo.Warmup)
			assert.Equal(t, time.Second, eo.Silence)
			oo, err := c.OTAOptions()
			require.NoError(t, err)
			assert.Equal(t, ota.StyleDigest, oo.Style)
			assert.Equal(t, time.Second, oo.StatusTimeout)
			assert.Equal(t, 60*time.Second, oo.Budget)
			assert.Equal(t, int64(512<<20), c.FirmwareMaxBytes())
			ac, err := c.AcceptanceConfig()
			require.NoError(t, err)
			assert.True(t, acceptance.DefaultEpoch.Equal(ac.Epoch))
			assert.Equal(t, 121*time.Second, ac.HeartbeatBudget)
			to, err := c.TimeserviceOptions()
			require.NoError(t, err)
			assert.Equal(t, 60*time.Second, to.Interval)
			wo := c.WebOptions()
			assert.Equal(t, "", wo.Listen)
			assert.Equal(t, 500*time.Millisecond, wo.Idle)
		}, ""},

		{"broker", `broker { url = "mqtt.local:1883" client = "paho" keepalive_sec = 30 network_timeout_sec = 3 username = "u" password = "p" }`,
			func(t testing.TB, c *Config) {
				bo := c.BrokerOptions()
				assert.Equal(t, "mqtt.local:1883", bo.URL)
				assert.Equal(t, broker.ClientPaho, bo.Client)
				assert.Equal(t, uint16(30), bo.KeepaliveSec)
				assert.Equal(t, 3*time.Second, bo.NetworkTimeout)
				assert.Equal(t, "u", bo.Username)
				assert.Equal(t, "p", bo.Password)
			}, ""},

		{"keepalive-disabled", `broker { keepalive_sec = -1 }`, func(t testing.TB, c *Config) {
			assert.Equal(t, uint16(0), c.BrokerOptions().KeepaliveSec)
		}, ""},

		{"timings", `
world { idle_ms = 300 silence_ms = 50 }
engine { warmup_ms = 100 }
ota { status_timeout_ms = 250 budget_sec = 90 firmware_topic = "implementation" max_bytes = 1024 }
timeservice { interval_sec = 5 }
web { listen = ":8080" idle_ms = 70 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 300*time.Millisecond, c.Idle())
				eo := c.EngineOptions()
				assert.Equal(t, 100*time.Millisecond, eo.Warmup)
				assert.Equal(t, 50*time.Millisecond, eo.Silence)
				oo, err := c.OTAOptions()
				require.NoError(t, err)
				assert.Equal(t, ota.StyleImplementation, oo.Style)
				assert.Equal(t, 250*time.Millisecond, oo.StatusTimeout)
				assert.Equal(t, 90*time.Second, oo.Budget)
				assert.Equal(t, int64(1024), c.FirmwareMaxBytes())
				to, err := c.TimeserviceOptions()
				require.NoError(t, err)
				assert.Equal(t, 5*time.Second, to.Interval)
				assert.Equal(t, ":8080", c.WebOptions().Listen)
				assert.Equal(t, 70*time.Millisecond, c.WebOptions().Idle)
			}, ""},

		{"epoch", `acceptance { epoch = "2020-02-03" heartbeat_interval_sec = 10 }`,
			func(t testing.TB, c *Config) {
				ac, err := c.AcceptanceConfig()
				require.NoError(t, err)
				assert.True(t, time.Date(2020, 2, 3, 0, 0, 0, 0, time.Local).Equal(ac.Epoch))
				assert.Equal(t, 10*time.Second, ac.HeartbeatInterval)
			}, ""},

		{"include-normalize", `
broker { client = "gomqtt" }
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "web-listen" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, ":7777", c.Web.Listen)
			}, ""},

		{"include-overwrites", `
web { listen = ":1" }
include "web-listen" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, ":7777", c.Web.Listen)
			}, ""},

		{"include-loop", `include "loop" {}`, nil, "config include loop: from=loop include=test-inline"},
		{"include-missing", `include "non-exist" {}`, nil, "config required name=non-exist path=non-exist not found"},
		{"syntax", `broker {`, nil, "config unmarshal source=test-inline"},
		{"bad-style", `ota { firmware_topic = "nope" }`, nil, `firmware topic style="nope" not valid`},
		{"bad-epoch", `acceptance { epoch = "November" }`, nil, "config acceptance.epoch"},
		{"bad-client", `broker { client = "mosquitto" }`, nil, `config broker.client="mosquitto" not valid`},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline": c.input,
				"empty":       "",
				"web-listen":  `web { listen = ":7777" }`,
				"loop":        `include "test-inline" {}`,
			})
			config, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				require.NoError(t, err, errors.ErrorStack(err))
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			if c.check != nil {
				c.check(t, config)
			}
		}
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, mkCheck(c))
	}
}

func TestReadConfigNoNames(t *testing.T) {
	t.Parallel()
	c, err := ReadConfig(nil, NewMockFullReader(nil))
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.Idle())
}

func TestReadConfigOs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`
broker { url = "tcp://a:1883" }
include "local.hcl" {}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.hcl"), []byte(`web { listen = ":9" }`), 0o600))

	c, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, "tcp://a:1883", c.Broker.URL)
	assert.Equal(t, ":9", c.Web.Listen)
}
