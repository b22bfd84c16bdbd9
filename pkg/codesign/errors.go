package codesign

import "errors"

// Failure kinds reported by the registries. They are matched with errors.Is;
// the concrete error is usually a *shell.OpError carrying the tool's stderr.
var (
	ErrParse              = errors.New("parse failure")
	ErrImport             = errors.New("certificate import failed")
	ErrDelete             = errors.New("delete failed")
	ErrNoCertificateFound = errors.New("no matching signing certificate found")
	ErrNoProfileFound     = errors.New("no matching provisioning profile found")
)
