// Package acctest runs device acceptance tests against the live fleet.
package acctest

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/internal/acceptance"
	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/internal/topic"
)

var Mod = subcmd.Mod{Name: "test", Usage: "[--only name,...] run acceptance tests", Main: Main}

func Main(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	ac, err := config.AcceptanceConfig()
	if err != nil {
		return err
	}
	flags := env.Flags("test")
	only := flags.StringSlice("only", nil, "test names: "+strings.Join(acceptance.Names(ac), ","))
	if err = flags.Parse(env.Args); err != nil {
		return errors.Trace(err)
	}
	ds, err := acceptance.Select(ac, *only)
	if err != nil {
		return err
	}

	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}
	e := driver.NewEngine(env.Log, config.EngineOptions())
	for _, d := range ds {
		if err = e.Register(d); err != nil {
			return errors.Trace(err)
		}
	}
	r, err := e.Run(ctx, dialer, topic.Filter(""), topic.EnvRoot+"/#")
	if err != nil {
		_ = env.PrintReport(r)
		return errors.Annotate(err, "test")
	}
	return env.PrintReport(r)
}
