// Package shell runs the OS tools (security, codesign) the credential
// engine delegates to. A non-zero exit status is not an error at this layer:
// callers classify the Result, because some tools report idempotent
// outcomes ("already exists", "could not be found") through exit codes.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command describes one external command invocation
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
}

// secretFlags are flags whose following argument is a password
var secretFlags = map[string]bool{
	"-p": true,
	"-P": true,
}

// String renders the command line with password arguments masked.
// It is the only form of a command that may be logged.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	redactNext := false
	for _, arg := range c.Args {
		if redactNext {
			parts = append(parts, "******")
			redactNext = false
			continue
		}
		parts = append(parts, arg)
		// find-identity -p names a policy
		if secretFlags[arg] && c.Args[0] != "find-identity" {
			redactNext = true
		}
		// set-key-partition-list takes the keychain password after -k
		if arg == "-k" && c.Args[0] == "set-key-partition-list" {
			redactNext = true
		}
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a command that ran to completion
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Failed reports whether the command exited non-zero
func (r *Result) Failed() bool {
	return r.ExitCode != 0
}

// StderrContains reports whether stderr (or stdout, which some security
// subcommands use for diagnostics) contains any of the markers, ignoring case
func (r *Result) StderrContains(markers ...string) bool {
	haystack := strings.ToLower(r.Stderr + "\n" + r.Stdout)
	for _, m := range markers {
		if strings.Contains(haystack, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Gateway executes commands. The error return is reserved for commands that
// could not be started or were cancelled; exit statuses travel in Result.
type Gateway interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecGateway runs commands on the local machine
type ExecGateway struct {
	Logger zerolog.Logger
}

// NewExecGateway creates a gateway that logs each invocation at debug level
func NewExecGateway(logger zerolog.Logger) *ExecGateway {
	return &ExecGateway{Logger: logger.With().Str("component", "shell").Logger()}
}

// Run executes cmd and blocks until it exits
func (g *ExecGateway) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("failed to run %s: %w", cmd.Name, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}

	g.Logger.Debug().
		Str("command", cmd.String()).
		Int("exit_code", res.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("command finished")

	return res, nil
}
