// Package console is interactive fleet shell.
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/iotfleet/cmd/iotctl/fleet"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/helpers/cli"
	"github.com/temoto/iotfleet/internal/broker"
	"github.com/temoto/iotfleet/internal/retained"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/internal/topic"
	"github.com/temoto/iotfleet/internal/world"
	"github.com/temoto/iotfleet/log2"
)

const modName = "console"

const usage = `commands:
- list                         all devices with state
- show DEVICE                  one device state
- set DEVICE ACTUATOR VALUE    publish command to devices/DEVICE/ACTUATOR/set
- erase DEVICE                 remove every retained message of device
- help
- quit
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive shell", Main: Main}

func Main(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}
	c := New(env.Log, dialer, env.Stdout, config.Idle())
	return cli.MainLoop(ctx, "iotctl", func(line string) bool {
		quit, err := c.Exec(ctx, line)
		if err != nil {
			env.Log.Error(err)
		}
		return !quit
	}, c.Complete)
}

type Console struct {
	log     *log2.Log
	dialer  broker.Dialer
	out     io.Writer
	idle    time.Duration
	devices []string // for completion, refreshed by list
}

func New(log *log2.Log, dialer broker.Dialer, out io.Writer, idle time.Duration) *Console {
	return &Console{log: log, dialer: dialer, out: out, idle: idle}
}

// Exec runs one line, quit=true when user asked to leave.
func (self *Console) Exec(ctx context.Context, line string) (quit bool, err error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false, nil
	}
	switch cmd, args := words[0], words[1:]; cmd {
	case "help", "?":
		fmt.Fprint(self.out, usage)
	case "quit", "exit":
		return true, nil
	case "list":
		err = self.list(ctx, "")
	case "show":
		if len(args) != 1 {
			return false, errors.NotValidf("usage: show DEVICE")
		}
		err = self.list(ctx, args[0])
	case "set":
		if len(args) != 3 {
			return false, errors.NotValidf("usage: set DEVICE ACTUATOR VALUE")
		}
		err = self.set(ctx, args[0], args[1], args[2])
	case "erase":
		if len(args) != 1 {
			return false, errors.NotValidf("usage: erase DEVICE")
		}
		var topics []string
		topics, err = retained.EraseDevice(ctx, self.log, self.dialer, args[0], self.idle)
		if err == nil {
			fmt.Fprintf(self.out, "Device %s erased, topics=%d\n", args[0], len(topics))
		}
	default:
		err = errors.NotSupportedf("command=%s, try help", cmd)
	}
	return false, err
}

func (self *Console) list(ctx context.Context, id string) error {
	w, err := world.SnapshotOnce(ctx, self.log, self.dialer, topic.Filter(id), self.idle)
	if err != nil {
		return errors.Trace(err)
	}
	if id != "" {
		if _, ok := w.Device(id); !ok {
			return errors.NotFoundf("device=%s", id)
		}
	} else {
		self.devices = w.Devices()
	}
	fleet.PrintWorld(self.out, w)
	return nil
}

func (self *Console) set(ctx context.Context, id, actuator, value string) error {
	if !topic.ValidDevice(id) || topic.IsReserved(id) {
		return errors.NotValidf("device=%q", id)
	}
	s, err := self.dialer.Dial(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	t := topic.Set(id, actuator)
	if err = s.Publish(ctx, t, []byte(value), false); err != nil {
		return errors.Annotatef(err, "set topic=%s", t)
	}
	fmt.Fprintf(self.out, "%s <= %s\n", t, value)
	return nil
}

func (self *Console) Complete(d prompt.Document) []prompt.Suggest {
	words := strings.Fields(d.TextBeforeCursor())
	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(d.TextBeforeCursor(), " ")) {
		ss := []prompt.Suggest{
			{Text: "list", Description: "all devices"},
			{Text: "show", Description: "one device"},
			{Text: "set", Description: "publish command"},
			{Text: "erase", Description: "remove retained state"},
			{Text: "help"},
			{Text: "quit"},
		}
		return prompt.FilterHasPrefix(ss, d.GetWordBeforeCursor(), true)
	}
	switch words[0] {
	case "show", "set", "erase":
		ids := append([]string(nil), self.devices...)
		sort.Strings(ids)
		ss := make([]prompt.Suggest, len(ids))
		for i, id := range ids {
			ss[i] = prompt.Suggest{Text: id}
		}
		return prompt.FilterHasPrefix(ss, d.GetWordBeforeCursor(), true)
	}
	return nil
}
