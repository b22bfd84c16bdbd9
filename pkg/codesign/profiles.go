package codesign

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProfileExtension is the file suffix of installed iOS profiles
const ProfileExtension = ".mobileprovision"

// DefaultProfilesDir returns the directory Xcode installs profiles into
func DefaultProfilesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, "Library", "MobileDevice", "Provisioning Profiles")
}

// ProfileListing is the two-channel result of ListProfiles
type ProfileListing struct {
	Profiles []*ProvisioningProfile
	Failures []ScanFailure
}

// Installation records one installed profile and what it replaced, so the
// install can be undone
type Installation struct {
	Profile  *ProvisioningProfile
	Previous []byte // bytes of an overwritten same-UUID profile, nil if none
}

// ProfileRegistry manages the installed-profiles directory
type ProfileRegistry struct {
	Dir     string
	Decoder Decoder
	Logger  zerolog.Logger
	Now     func() time.Time
}

// NewProfileRegistry creates a registry over dir. A nil decoder selects the
// in-process PKCS#7 decoder.
func NewProfileRegistry(dir string, decoder Decoder, logger zerolog.Logger) *ProfileRegistry {
	if dir == "" {
		dir = DefaultProfilesDir()
	}
	if decoder == nil {
		decoder = PKCS7Decoder{}
	}
	return &ProfileRegistry{
		Dir:     dir,
		Decoder: decoder,
		Logger:  logger.With().Str("component", "profiles").Logger(),
		Now:     time.Now,
	}
}

// ProfilePath returns where a profile with the given UUID is installed
func (r *ProfileRegistry) ProfilePath(uuid string) string {
	return filepath.Join(r.Dir, uuid+ProfileExtension)
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ProfileExtension) || strings.HasSuffix(name, ".provisionprofile")
}

// ListProfiles decodes every profile in the directory. A file that cannot be
// decoded is reported in Failures and does not fail the listing. A missing
// directory is an empty listing.
func (r *ProfileRegistry) ListProfiles(ctx context.Context) (*ProfileListing, error) {
	listing := &ProfileListing{}

	entries, err := os.ReadDir(r.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return listing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(r.Dir, entry.Name())
		profile, err := r.decode(ctx, path)
		if err != nil {
			listing.Failures = append(listing.Failures, ScanFailure{Source: path, Reason: err.Error()})
			continue
		}
		if first, dup := seen[profile.UUID]; dup {
			listing.Failures = append(listing.Failures, ScanFailure{Source: path, Reason: "duplicate UUID, already listed from " + first})
			continue
		}
		seen[profile.UUID] = path
		listing.Profiles = append(listing.Profiles, profile)
	}

	for _, f := range listing.Failures {
		r.Logger.Debug().Str("path", f.Source).Str("reason", f.Reason).Msg("skipped provisioning profile")
	}
	return listing, nil
}

func (r *ProfileRegistry) decode(ctx context.Context, path string) (*ProvisioningProfile, error) {
	payload, err := r.Decoder.DecodeFile(ctx, path)
	if err != nil {
		return nil, err
	}
	profile, err := DecodeProfilePayload(payload)
	if err != nil {
		return nil, err
	}
	profile.Path = path
	return profile, nil
}

// FindProfile returns the best valid profile for bundleID. typ and teamID
// narrow the search when non-empty.
func (r *ProfileRegistry) FindProfile(ctx context.Context, bundleID string, typ ProfileType, teamID string) (*ProvisioningProfile, error) {
	listing, err := r.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	if p := SelectProfile(listing.Profiles, bundleID, typ, teamID, r.Now()); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: bundle id %s, type %q, team %q", ErrNoProfileFound, bundleID, typ, teamID)
}

// SelectProfile picks among candidate profiles. An exact bundle id beats a
// wildcard, a longer wildcard prefix beats a shorter one, then the later
// expiration wins; remaining ties keep directory order.
func SelectProfile(profiles []*ProvisioningProfile, bundleID string, typ ProfileType, teamID string, now time.Time) *ProvisioningProfile {
	var candidates []*ProvisioningProfile
	for _, p := range profiles {
		if !p.Matches(bundleID) {
			continue
		}
		if typ != "" && p.Type != typ {
			continue
		}
		if teamID != "" && p.GetTeamID() != teamID {
			continue
		}
		if !p.IsValid(now) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.IsWildcard() != b.IsWildcard() {
			return !a.IsWildcard()
		}
		if len(a.BundleID) != len(b.BundleID) {
			return len(a.BundleID) > len(b.BundleID)
		}
		return a.ExpirationDate.After(b.ExpirationDate)
	})
	return candidates[0]
}

// InstallProfile installs the profile file at src
func (r *ProfileRegistry) InstallProfile(ctx context.Context, src string) (*Installation, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return r.InstallProfileData(ctx, data)
}

// InstallProfileBase64 installs a base64-encoded profile. The decoded bytes
// go through a temporary file that is removed on every path.
func (r *ProfileRegistry) InstallProfileBase64(ctx context.Context, encoded string) (*Installation, error) {
	tmp, err := os.CreateTemp("", "signkit-profile-*"+ProfileExtension)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("%w: failed to decode base64 profile: %v", ErrParse, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	return r.InstallProfile(ctx, tmp.Name())
}

// InstallProfileData writes profile bytes to <dir>/<uuid>.mobileprovision, replacing
// any profile with the same UUID. The write is atomic.
func (r *ProfileRegistry) InstallProfileData(ctx context.Context, data []byte) (*Installation, error) {
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profiles directory: %w", err)
	}

	tmp, err := os.CreateTemp(r.Dir, ".signkit-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	profile, err := r.decode(ctx, tmpPath)
	if err != nil {
		return nil, err
	}

	target := r.ProfilePath(profile.UUID)
	inst := &Installation{Profile: profile}
	if prev, err := os.ReadFile(target); err == nil {
		inst.Previous = prev
	}

	_ = os.Chmod(tmpPath, 0644)
	if err := os.Rename(tmpPath, target); err != nil {
		return nil, fmt.Errorf("failed to install provisioning profile: %w", err)
	}
	profile.Path = target

	r.Logger.Info().
		Str("profile_uuid", profile.UUID).
		Str("bundle_id", profile.BundleID).
		Str("type", string(profile.Type)).
		Bool("replaced", inst.Previous != nil).
		Msg("installed provisioning profile")
	return inst, nil
}

// Undo reverses an installation: the overwritten profile is written back,
// or the new file is removed
func (r *ProfileRegistry) Undo(inst *Installation) error {
	target := r.ProfilePath(inst.Profile.UUID)
	if inst.Previous != nil {
		return writeFileAtomic(target, inst.Previous, 0644)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove provisioning profile: %w", err)
	}
	return nil
}

// RemoveProfile deletes the installed profile with the given UUID
func (r *ProfileRegistry) RemoveProfile(_ context.Context, uuid string) error {
	if err := os.Remove(r.ProfilePath(uuid)); err != nil {
		return fmt.Errorf("%w: failed to remove provisioning profile %s: %v", ErrDelete, uuid, err)
	}
	r.Logger.Info().Str("profile_uuid", uuid).Msg("removed provisioning profile")
	return nil
}

// RemoveExpired deletes every expired profile and returns how many went.
// Finding none is not an error.
func (r *ProfileRegistry) RemoveExpired(ctx context.Context) (int, error) {
	listing, err := r.ListProfiles(ctx)
	if err != nil {
		return 0, err
	}
	now := r.Now()
	removed := 0
	for _, p := range listing.Profiles {
		if !p.IsExpired(now) {
			continue
		}
		if err := os.Remove(p.Path); err != nil {
			return removed, fmt.Errorf("%w: failed to remove expired profile %s: %v", ErrDelete, p.UUID, err)
		}
		r.Logger.Info().Str("profile_uuid", p.UUID).Str("name", p.Name).Msg("removed expired provisioning profile")
		removed++
	}
	return removed, nil
}

// writeFileAtomic writes data to path via a temp file and rename
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".signkit-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	_ = os.Chmod(tmpPath, perm)

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
