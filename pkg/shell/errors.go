package shell

import (
	"errors"
	"strings"
)

// ErrShellFailure marks a command that exited non-zero where no more
// specific failure kind applies
var ErrShellFailure = errors.New("shell command failed")

// OpError names the failed operation and carries the tool's raw stderr.
// Kind is a sentinel from the owning package (ErrImport, ErrKeychain, ...)
// so callers can match with errors.Is.
type OpError struct {
	Op       string
	Kind     error
	ExitCode int
	Stderr   string
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("failed to ")
	b.WriteString(e.Op)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CommandError builds an OpError from a non-zero Result
func CommandError(op string, kind error, res *Result) error {
	if kind == nil {
		kind = ErrShellFailure
	}
	return &OpError{
		Op:       op,
		Kind:     kind,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
}

// Wrap builds an OpError around an error that is not a command result,
// such as a launch failure or a decode error
func Wrap(op string, kind error, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}
