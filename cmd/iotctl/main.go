package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"github.com/temoto/iotfleet/cmd/iotctl/acctest"
	"github.com/temoto/iotfleet/cmd/iotctl/console"
	"github.com/temoto/iotfleet/cmd/iotctl/daemon"
	"github.com/temoto/iotfleet/cmd/iotctl/fleet"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/cmd/iotctl/upgrade"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/log2"
)

var log = log2.NewStderr(log2.LInfo)

var modules = []subcmd.Mod{
	fleet.ListMod,
	fleet.MonitorMod,
	fleet.CleanMod,
	fleet.FirmwareMod,
	upgrade.ChecksumMod,
	upgrade.OtaMod,
	acctest.Mod,
	daemon.TimeserviceMod,
	daemon.WebMod,
	console.Mod,
}

func main() {
	flags := pflag.NewFlagSet("iotctl", pflag.ExitOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: iotctl [flags] command [args]\n")
		flags.PrintDefaults()
		subcmd.Usage(os.Stderr, modules)
	}
	flagConfig := flags.String("config", "", "config file, HCL")
	flagBroker := flags.String("broker", "", "broker URL, overrides config")
	flagDebug := flags.BoolP("debug", "D", false, "debug logging")
	_ = flags.Parse(os.Args[1:])

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	mod, err := subcmd.Parse(flags.Arg(0), modules)
	if err != nil {
		flags.Usage()
		log.Fatal(err)
	}

	var names []string
	if *flagConfig != "" {
		names = append(names, *flagConfig)
	}
	config, err := state.ReadConfig(log, state.NewOsFullReader(), names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if *flagBroker != "" {
		config.Broker.URL = *flagBroker
	}
	log.Debugf("config broker=%s client=%s", config.Broker.URL, config.Broker.Client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	env := &subcmd.Env{
		Log:    log,
		Args:   flags.Args()[1:],
		Stdout: os.Stdout,
		Color:  isatty.IsTerminal(os.Stdout.Fd()),
	}
	if err = mod.Main(ctx, config, env); err != nil {
		stop()
		if errors.Cause(err) == subcmd.ErrTestsFailed {
			os.Exit(1)
		}
		log.Fatalf("%s: %s", mod.Name, errors.ErrorStack(err))
	}
}
