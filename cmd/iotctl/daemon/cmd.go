// Package daemon has long running services: time broadcast and web.
package daemon

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/internal/timeservice"
	"github.com/temoto/iotfleet/internal/web"
)

var TimeserviceMod = subcmd.Mod{Name: "timeservice", Usage: "broadcast IOTtime periodically", Main: TimeserviceMain}
var WebMod = subcmd.Mod{Name: "web", Usage: "serve device state over HTTP", Main: WebMain}

func TimeserviceMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	opt, err := config.TimeserviceOptions()
	if err != nil {
		return err
	}
	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}
	s := timeservice.New(env.Log, dialer, opt)
	subcmd.SdNotify(daemon.SdNotifyReady)
	env.Log.Infof("timeservice interval=%v", opt.Interval)
	return s.Run(ctx)
}

func WebMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}
	s := web.New(env.Log, dialer, config.WebOptions())
	return s.Run(ctx, func(string) { subcmd.SdNotify(daemon.SdNotifyReady) })
}
