// Package shelltest provides shell.Gateway doubles: a scripted Fake and a
// stateful simulator of the macOS security tool.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/aluedeke/go-signkit/pkg/shell"
)

type handler struct {
	prefix []string
	fn     func(cmd shell.Command) *shell.Result
}

// Fake answers commands from registered handlers. The most recently
// registered handler whose prefix matches wins. Unmatched commands exit 127.
type Fake struct {
	mu       sync.Mutex
	calls    []shell.Command
	handlers []handler
}

// Respond registers a fixed result for commands starting with prefix
// (command name followed by leading arguments)
func (f *Fake) Respond(res shell.Result, prefix ...string) {
	f.Handle(func(shell.Command) *shell.Result {
		r := res
		return &r
	}, prefix...)
}

// Handle registers a handler for commands starting with prefix
func (f *Fake) Handle(fn func(cmd shell.Command) *shell.Result, prefix ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{prefix: prefix, fn: fn})
}

// Calls returns the commands run so far
func (f *Fake) Calls() []shell.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shell.Command(nil), f.calls...)
}

// CallCount returns how many recorded commands start with prefix
func (f *Fake) CallCount(prefix ...string) int {
	n := 0
	for _, c := range f.Calls() {
		if hasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Run implements shell.Gateway
func (f *Fake) Run(ctx context.Context, cmd shell.Command) (*shell.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.record(cmd)
	if fn := f.lookup(cmd); fn != nil {
		return fn(cmd), nil
	}
	return &shell.Result{ExitCode: 127, Stderr: "unexpected command: " + cmd.String()}, nil
}

func (f *Fake) record(cmd shell.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
}

func (f *Fake) lookup(cmd shell.Command) func(shell.Command) *shell.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.handlers) - 1; i >= 0; i-- {
		if hasPrefix(cmd, f.handlers[i].prefix) {
			return f.handlers[i].fn
		}
	}
	return nil
}

func hasPrefix(cmd shell.Command, prefix []string) bool {
	if len(prefix) == 0 {
		return true
	}
	if cmd.Name != prefix[0] {
		return false
	}
	rest := prefix[1:]
	if len(rest) > len(cmd.Args) {
		return false
	}
	for i, p := range rest {
		if cmd.Args[i] != p {
			return false
		}
	}
	return true
}

// flagValue returns the argument following flag, if any
func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// positional returns arguments that are neither flags nor flag values.
// valueFlags lists the flags that consume the next argument.
func positional(args []string, valueFlags ...string) []string {
	takes := make(map[string]bool, len(valueFlags))
	for _, f := range valueFlags {
		takes[f] = true
	}
	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			if takes[a] {
				i++
			}
			continue
		}
		out = append(out, a)
	}
	return out
}
