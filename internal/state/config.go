// Package state reads iotctl configuration.
//
// Config is HCL, one or more files, each may include others:
//
//	include "local.hcl" { optional = true }
//
// Later sources overwrite earlier values. Zero values mean default,
// accessor methods apply defaults.
package state

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/helpers"
	"github.com/temoto/iotfleet/internal/acceptance"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/ota"
	"github.com/temoto/iotfleet/internal/timeservice"
	"github.com/temoto/iotfleet/internal/web"
	"github.com/temoto/iotfleet/internal/world"
	"github.com/temoto/iotfleet/log2"
)

const EpochLayout = "2006-01-02"

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Broker struct {
		URL               string `hcl:"url"`
		Client            string `hcl:"client"`
		ClientIDPrefix    string `hcl:"client_id_prefix"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"broker"`

	World struct {
		IdleMs    int `hcl:"idle_ms"`
		SilenceMs int `hcl:"silence_ms"`
	} `hcl:"world"`

	Engine struct {
		WarmupMs int `hcl:"warmup_ms"`
	} `hcl:"engine"`

	OTA struct {
		MaxBytes        int    `hcl:"max_bytes"`
		StatusTimeoutMs int    `hcl:"status_timeout_ms"`
		BudgetSec       int    `hcl:"budget_sec"`
		FirmwareTopic   string `hcl:"firmware_topic"`
	} `hcl:"ota"`

	Acceptance struct {
		Epoch                string `hcl:"epoch"`
		HeartbeatIntervalSec int    `hcl:"heartbeat_interval_sec"`
		HeartbeatBudgetSec   int    `hcl:"heartbeat_budget_sec"`
	} `hcl:"acceptance"`

	Timeservice struct {
		IntervalSec int `hcl:"interval_sec"`
	} `hcl:"timeservice"`

	Web struct {
		Listen string `hcl:"listen"`
		IdleMs int    `hcl:"idle_ms"`
	} `hcl:"web"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) BrokerOptions() broker.Options {
	// negative disables keepalive
	keepalive := c.Broker.KeepaliveSec
	switch {
	case keepalive == 0:
		keepalive = broker.DefaultKeepaliveSec
	case keepalive < 0:
		keepalive = 0
	case keepalive > 0xffff:
		keepalive = 0xffff
	}
	return broker.Options{
		URL:            c.Broker.URL,
		Client:         c.Broker.Client,
		ClientIDPrefix: c.Broker.ClientIDPrefix,
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		KeepaliveSec:   uint16(keepalive),
		NetworkTimeout: helpers.IntSecondDefault(c.Broker.NetworkTimeoutSec, broker.DefaultNetworkTimeout),
	}
}

// Dialer with broker log level from config.
func (c *Config) Dialer(log *log2.Log) (broker.Dialer, error) {
	blog := log.Clone(log2.LInfo)
	if c.Broker.LogDebug {
		blog.SetLevel(log2.LDebug)
	}
	return broker.NewDialer(blog, c.BrokerOptions())
}

func (c *Config) Idle() time.Duration {
	return helpers.IntMillisecondDefault(c.World.IdleMs, world.DefaultIdle)
}

func (c *Config) EngineOptions() driver.Options {
	return driver.Options{
		Warmup:  helpers.IntMillisecondDefault(c.Engine.WarmupMs, driver.DefaultWarmup),
		Silence: helpers.IntMillisecondDefault(c.World.SilenceMs, world.DefaultSilence),
	}
}

func (c *Config) FirmwareMaxBytes() int64 {
	if c.OTA.MaxBytes <= 0 {
		return ota.DefaultMaxBytes
	}
	return int64(c.OTA.MaxBytes)
}

// OTAOptions without Device, Firmware and Progress.
func (c *Config) OTAOptions() (ota.Options, error) {
	style, err := ota.ParseStyle(c.OTA.FirmwareTopic)
	if err != nil {
		return ota.Options{}, errors.Annotate(err, "config ota.firmware_topic")
	}
	return ota.Options{
		Style:         style,
		StatusTimeout: helpers.IntMillisecondDefault(c.OTA.StatusTimeoutMs, ota.DefaultStatusTimeout),
		Budget:        helpers.IntSecondDefault(c.OTA.BudgetSec, ota.DefaultBudget),
	}, nil
}

// Epoch of device time, local midnight.
func (c *Config) Epoch() (time.Time, error) {
	if c.Acceptance.Epoch == "" {
		return acceptance.DefaultEpoch, nil
	}
	t, err := time.ParseInLocation(EpochLayout, c.Acceptance.Epoch, time.Local)
	if err != nil {
		return time.Time{}, errors.Annotate(err, "config acceptance.epoch")
	}
	return t, nil
}

func (c *Config) AcceptanceConfig() (acceptance.Config, error) {
	epoch, err := c.Epoch()
	if err != nil {
		return acceptance.Config{}, err
	}
	return acceptance.Config{
		Epoch:             epoch,
		HeartbeatInterval: helpers.IntSecondDefault(c.Acceptance.HeartbeatIntervalSec, acceptance.DefaultHeartbeatInterval),
		HeartbeatBudget:   helpers.IntSecondDefault(c.Acceptance.HeartbeatBudgetSec, acceptance.DefaultHeartbeatBudget),
	}, nil
}

func (c *Config) TimeserviceOptions() (timeservice.Options, error) {
	epoch, err := c.Epoch()
	if err != nil {
		return timeservice.Options{}, err
	}
	return timeservice.Options{
		Interval: helpers.IntSecondDefault(c.Timeservice.IntervalSec, timeservice.DefaultInterval),
		Epoch:    epoch,
	}, nil
}

func (c *Config) WebOptions() web.Options {
	return web.Options{
		Listen: c.Web.Listen,
		Idle:   helpers.IntMillisecondDefault(c.Web.IdleMs, web.DefaultIdle),
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig with no names returns defaults.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	if len(names) == 0 {
		return c, nil
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := c.validate(); err != nil {
		errs = append(errs, err)
	}
	return c, helpers.FoldErrors(errs)
}

func (c *Config) validate() error {
	if _, err := c.OTAOptions(); err != nil {
		return err
	}
	if _, err := c.Epoch(); err != nil {
		return err
	}
	switch c.Broker.Client {
	case "", broker.ClientGomqtt, broker.ClientPaho:
	default:
		return errors.NotValidf("config broker.client=%q", c.Broker.Client)
	}
	return nil
}
