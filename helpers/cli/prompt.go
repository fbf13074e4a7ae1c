package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs interactive prompt when stdin is a terminal,
// otherwise executes stdin line by line. Returns when ctx is done,
// input ends or exec returns false.
func MainLoop(ctx context.Context, tag string, exec func(line string) bool, complete func(d prompt.Document) []prompt.Suggest) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		stop := false
		p := prompt.New(
			func(line string) { stop = !exec(line) },
			complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
			prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return stop || ctx.Err() != nil }),
		)
		p.Run()
		return nil
	}
	return LineLoop(ctx, os.Stdin, exec)
}

// LineLoop executes non-empty trimmed lines of r.
func LineLoop(ctx context.Context, r io.Reader, exec func(line string) bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !exec(line) {
			return nil
		}
	}
	return scanner.Err()
}
