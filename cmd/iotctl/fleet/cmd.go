// Package fleet has read-mostly commands over retained fleet state.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/retained"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/internal/world"
	"gopkg.in/yaml.v3"
)

var ListMod = subcmd.Mod{Name: "list", Usage: "[-d device] [-o text|json|yaml] print retained device state", Main: ListMain}
var FirmwareMod = subcmd.Mod{Name: "firmware", Usage: "[-d device] print firmware of devices", Main: FirmwareMain}
var MonitorMod = subcmd.Mod{Name: "monitor", Usage: "print live device messages", Main: MonitorMain}
var CleanMod = subcmd.Mod{Name: "clean", Usage: "[-f] prefix  list, with -f erase retained messages", Main: CleanMain}

func ListMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	flags := env.Flags("list")
	device := flags.StringP("device", "d", "", "only this device")
	format := flags.StringP("output", "o", "text", "text, json or yaml")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Trace(err)
	}
	w, err := snapshot(ctx, config, env, *device)
	if err != nil {
		return err
	}
	return Format(env.Stdout, w, *format)
}

func FirmwareMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	flags := env.Flags("firmware")
	device := flags.StringP("device", "d", "", "only this device")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Trace(err)
	}
	w, err := snapshot(ctx, config, env, *device)
	if err != nil {
		return err
	}
	for _, id := range w.Devices() {
		d, _ := w.Device(id)
		env.Printf("%s\tname=%s\tversion=%s\tchecksum=%s\n", id,
			orDash(d[topic.FwName]), orDash(d[topic.FwVersion]), orDash(d[topic.FwChecksum]))
	}
	return nil
}

func snapshot(ctx context.Context, config *state.Config, env *subcmd.Env, device string) (world.World, error) {
	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w, err := world.SnapshotOnce(ctx, env.Log, dialer, topic.Filter(device), config.Idle())
	if err != nil {
		return nil, errors.Annotate(err, "snapshot")
	}
	if device != "" {
		if _, ok := w.Device(device); !ok {
			return nil, errors.NotFoundf("device=%s", device)
		}
	}
	return w, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Format writes devices without pseudo-devices in text, json or yaml.
func Format(out io.Writer, w world.World, format string) error {
	devices := make(map[string]world.Device)
	for _, id := range w.Devices() {
		devices[id], _ = w.Device(id)
	}
	switch format {
	case "", "text":
		PrintWorld(out, w)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return errors.Trace(enc.Encode(devices))
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(devices); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(enc.Close())
	}
	return errors.NotValidf("output format=%q", format)
}

// PrintWorld writes devices sorted, one subtopic per line.
func PrintWorld(out io.Writer, w world.World) {
	for _, id := range w.Devices() {
		d, _ := w.Device(id)
		fmt.Fprintf(out, "%s\n", id)
		for _, sub := range d.Subtopics() {
			fmt.Fprintf(out, "  %s = %s\n", sub, broker.PayloadString([]byte(d[sub])))
		}
	}
}

func MonitorMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}
	s, err := dialer.Dial(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()

	mon := world.NewMonitor(env.Log, s, world.NewStore(env.Log), config.EngineOptions().Silence)
	if err = mon.Start(ctx, topic.Filter(""), topic.EnvRoot+"/#"); err != nil {
		return errors.Trace(err)
	}
	for {
		m, err := mon.NextMessage(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "monitor")
		}
		if m != nil {
			env.Printf("%s\n", m.String())
		}
	}
}

func CleanMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	flags := env.Flags("clean")
	force := flags.BoolP("force", "f", false, "actually erase, otherwise only list")
	limit := flags.Int("limit", retained.DefaultLimit, "stop after this many messages, 0 = no limit")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Trace(err)
	}
	if flags.NArg() != 1 {
		return errors.NotValidf("usage: clean [-f] prefix, args=%v", flags.Args())
	}
	prefix := flags.Arg(0)

	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}
	ms, err := retained.List(ctx, dialer, prefix, config.Idle(), *limit)
	if retained.IsLimit(err) {
		env.Log.Infof("clean stopped at limit=%d", *limit)
	} else if err != nil {
		return errors.Annotate(err, "clean")
	}
	topics := make([]string, len(ms))
	for i, m := range ms {
		topics[i] = m.Topic
		env.Printf("%s: %s\n", m.Topic, broker.PayloadString(m.Payload))
	}
	if !*force || len(topics) == 0 {
		return nil
	}

	s, err := dialer.Dial(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	if err = retained.Erase(ctx, env.Log, s, topics); err != nil {
		return errors.Annotate(err, "clean")
	}
	env.Log.Infof("clean erased=%d", len(topics))
	return nil
}
