// Package keychain manages the lifecycle of macOS keychains used for
// signing on build machines: creation, lock state, the user search list and
// cleanup of keychains left behind by interrupted runs.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/aluedeke/go-signkit/pkg/shell"
)

// ErrKeychain is the kind of every failed keychain command
var ErrKeychain = errors.New("keychain operation failed")

const (
	// Extension is the file suffix of modern keychains
	Extension = ".keychain-db"

	// DefaultLockTimeout is the auto-lock interval applied to new keychains
	DefaultLockTimeout = 6 * time.Hour
)

// Keychain is a keychain file and the password that unlocks it
type Keychain struct {
	Path     string
	Password string

	// Created is set when Create made the file rather than reusing it
	Created bool
	// Listed is set when Create inserted the path into the search list
	Listed bool
}

// String never includes the password
func (k *Keychain) String() string {
	return fmt.Sprintf("Keychain{Path: %s, Password: <redacted>}", k.Path)
}

// GoString keeps %#v from printing the password
func (k *Keychain) GoString() string {
	return k.String()
}

// MarshalZerologObject logs the path only
func (k *Keychain) MarshalZerologObject(e *zerolog.Event) {
	e.Str("path", k.Path)
}

// searchListMu serialises read-modify-write of the user search list across
// every Manager in the process. Other processes can still race.
var searchListMu sync.Mutex

// Manager creates, unlocks and deletes keychains through the security tool
type Manager struct {
	Shell       shell.Gateway
	Dir         string
	LockTimeout time.Duration
	Logger      zerolog.Logger
}

// DefaultDir returns ~/Library/Keychains
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, "Library", "Keychains")
}

// NewManager creates a manager for keychains under dir (DefaultDir when empty)
func NewManager(gw shell.Gateway, dir string, logger zerolog.Logger) *Manager {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Manager{
		Shell:       gw,
		Dir:         dir,
		LockTimeout: DefaultLockTimeout,
		Logger:      logger.With().Str("component", "keychain").Logger(),
	}
}

// Path resolves a keychain name to <dir>/<name>.keychain-db. Absolute paths
// are returned unchanged.
func (m *Manager) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	return filepath.Join(m.Dir, name)
}

func (m *Manager) security(ctx context.Context, op string, args ...string) (*shell.Result, error) {
	res, err := m.Shell.Run(ctx, shell.Command{Name: "security", Args: args})
	if err != nil {
		return nil, shell.Wrap(op, ErrKeychain, err)
	}
	return res, nil
}

// Create creates a keychain, sets its auto-lock timeout, unlocks it and puts
// it at the front of the search list. An existing keychain is reused. When a
// later step fails, a keychain this call created is deleted again; a reused
// one is left as it was found.
func (m *Manager) Create(ctx context.Context, name, password string) (_ *Keychain, err error) {
	kc := &Keychain{Path: m.Path(name), Password: password}
	log := m.Logger.With().Str("keychain", kc.Path).Logger()

	if err := os.MkdirAll(filepath.Dir(kc.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keychain directory: %w", err)
	}

	res, err := m.security(ctx, "create keychain", "create-keychain", "-p", password, kc.Path)
	if err != nil {
		return nil, err
	}
	switch {
	case !res.Failed():
		kc.Created = true
		log.Info().Msg("created keychain")
	case res.StderrContains("already exists"):
		log.Info().Msg("keychain already exists")
	default:
		return nil, shell.CommandError("create keychain "+kc.Path, ErrKeychain, res)
	}

	defer func() {
		if err == nil || !kc.Created {
			return
		}
		if delErr := m.Delete(context.WithoutCancel(ctx), kc.Path); delErr != nil {
			log.Warn().Err(delErr).Msg("failed to remove partially created keychain")
			err = multierr.Append(err, delErr)
		}
	}()

	timeout := m.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	res, err = m.security(ctx, "configure keychain", "set-keychain-settings", "-lut", strconv.Itoa(int(timeout.Seconds())), kc.Path)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, shell.CommandError("configure keychain "+kc.Path, ErrKeychain, res)
	}

	if err := m.Unlock(ctx, kc); err != nil {
		return nil, err
	}
	if kc.Listed, err = m.addToSearchList(ctx, kc.Path); err != nil {
		return nil, err
	}
	return kc, nil
}

// Unlock unlocks kc with its password
func (m *Manager) Unlock(ctx context.Context, kc *Keychain) error {
	res, err := m.security(ctx, "unlock keychain", "unlock-keychain", "-p", kc.Password, kc.Path)
	if err != nil {
		return err
	}
	if res.Failed() {
		return shell.CommandError("unlock keychain "+kc.Path, ErrKeychain, res)
	}
	m.Logger.Debug().Str("keychain", kc.Path).Msg("unlocked keychain")
	return nil
}

// Lock locks the keychain at path
func (m *Manager) Lock(ctx context.Context, path string) error {
	res, err := m.security(ctx, "lock keychain", "lock-keychain", path)
	if err != nil {
		return err
	}
	if res.Failed() {
		return shell.CommandError("lock keychain "+path, ErrKeychain, res)
	}
	m.Logger.Debug().Str("keychain", path).Msg("locked keychain")
	return nil
}

// Delete deletes the keychain at path and drops it from the search list.
// Deleting a keychain that does not exist succeeds.
func (m *Manager) Delete(ctx context.Context, path string) error {
	res, err := m.security(ctx, "delete keychain", "delete-keychain", path)
	if err != nil {
		return err
	}
	log := m.Logger.With().Str("keychain", path).Logger()
	switch {
	case !res.Failed():
		log.Info().Msg("deleted keychain")
	case res.StderrContains("could not be found"):
		log.Debug().Msg("keychain already gone")
	default:
		return shell.CommandError("delete keychain "+path, ErrKeychain, res)
	}
	return m.RemoveFromSearchList(ctx, path)
}

// SearchList returns the user keychain search list in order
func (m *Manager) SearchList(ctx context.Context) ([]string, error) {
	res, err := m.security(ctx, "read search list", "list-keychains", "-d", "user")
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, shell.CommandError("read search list", ErrKeychain, res)
	}
	return parseSearchList(res.Stdout), nil
}

func parseSearchList(out string) []string {
	var list []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if unquoted, err := strconv.Unquote(line); err == nil {
			line = unquoted
		} else {
			line = strings.Trim(line, `"`)
		}
		list = append(list, line)
	}
	return list
}

func (m *Manager) writeSearchList(ctx context.Context, list []string) error {
	args := append([]string{"list-keychains", "-d", "user", "-s"}, list...)
	res, err := m.security(ctx, "write search list", args...)
	if err != nil {
		return err
	}
	if res.Failed() {
		return shell.CommandError("write search list", ErrKeychain, res)
	}
	return nil
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

// AddToSearchList puts path at the front of the search list unless it is
// already listed
func (m *Manager) AddToSearchList(ctx context.Context, path string) error {
	_, err := m.addToSearchList(ctx, path)
	return err
}

func (m *Manager) addToSearchList(ctx context.Context, path string) (bool, error) {
	searchListMu.Lock()
	defer searchListMu.Unlock()

	list, err := m.SearchList(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range list {
		if samePath(p, path) {
			return false, nil
		}
	}
	if err := m.writeSearchList(ctx, append([]string{path}, list...)); err != nil {
		return false, err
	}
	m.Logger.Debug().Str("keychain", path).Msg("added keychain to search list")
	return true, nil
}

// RemoveFromSearchList drops every entry for path from the search list
func (m *Manager) RemoveFromSearchList(ctx context.Context, path string) error {
	searchListMu.Lock()
	defer searchListMu.Unlock()

	list, err := m.SearchList(ctx)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(list))
	for _, p := range list {
		if !samePath(p, path) {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return m.writeSearchList(ctx, kept)
}

// PruneOrphans deletes keychains in Dir whose name starts with prefix, as
// left behind by runs that never reached cleanup. Files the security tool
// no longer knows about are removed directly. It returns the pruned paths.
func (m *Manager) PruneOrphans(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("refusing to prune keychains without a name prefix")
	}
	matches, err := filepath.Glob(filepath.Join(m.Dir, prefix+"*"+Extension))
	if err != nil {
		return nil, fmt.Errorf("failed to list keychains: %w", err)
	}

	var pruned []string
	for _, path := range matches {
		if err := m.Delete(ctx, path); err != nil {
			return pruned, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return pruned, fmt.Errorf("failed to remove keychain file: %w", err)
		}
		pruned = append(pruned, path)
	}

	if len(pruned) > 0 {
		m.Logger.Info().Int("count", len(pruned)).Str("prefix", prefix).Msg("pruned orphaned keychains")
	}
	return pruned, nil
}
