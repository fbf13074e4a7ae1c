// Support sub-commands in iotctl application.
package subcmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/log2"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config, *Env) error
}

// Env is per invocation context shared by all modules.
type Env struct {
	Log    *log2.Log
	Args   []string // after module name
	Stdout io.Writer
	// Color enables ANSI colors, usually stdout is a tty
	Color bool
}

var ErrTestsFailed = errors.New("tests failed")

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func Usage(w io.Writer, modules []Mod) {
	sorted := append([]Mod(nil), modules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	fmt.Fprintf(w, "commands:\n")
	for _, m := range sorted {
		fmt.Fprintf(w, "  %-12s %s\n", m.Name, m.Usage)
	}
}

// Flags for module args, errors are returned rather than exit.
func (env *Env) Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (env *Env) Printf(format string, args ...interface{}) {
	fmt.Fprintf(env.Stdout, format, args...)
}

const (
	colorGreen  = "\033[1;32m"
	colorRed    = "\033[1;31m"
	colorYellow = "\033[1;33m"
	colorReset  = "\033[0m"
)

// PrintReport writes one PASSED/FAILED/SKIPPED line per driver.
// Returns ErrTestsFailed when report did not pass.
func (env *Env) PrintReport(r *driver.Report) error {
	for _, res := range r.Results {
		word, color := "PASSED", colorGreen
		switch {
		case res.Status == driver.NotRun:
			word, color = "SKIPPED", colorYellow
		case !res.Passed:
			word, color = "FAILED", colorRed
		}
		if env.Color {
			word = color + word + colorReset
		}
		line := word + "\t" + res.Name
		if res.Detail != "" {
			line += "\t" + res.Detail
		}
		fmt.Fprintln(env.Stdout, line)
	}
	if !r.Passed() {
		return ErrTestsFailed
	}
	return nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
