// Package ci prepares a build machine for a signed build: it creates a
// dedicated keychain, imports the signing certificate, installs the
// provisioning profiles and derives the export options. A failed setup
// leaves nothing behind.
package ci

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/aluedeke/go-signkit/pkg/codesign"
	"github.com/aluedeke/go-signkit/pkg/keychain"
	"github.com/aluedeke/go-signkit/pkg/shell"
)

// DefaultKeychainPrefix names keychains created without an explicit name
const DefaultKeychainPrefix = "signkit-ci-"

// ErrArtifactMismatch is returned when a built artifact was not signed with
// the prepared credentials
var ErrArtifactMismatch = errors.New("artifact does not match prepared signing context")

// Request carries the CI secrets, typically read from environment variables
type Request struct {
	CertificateBase64   string
	CertificatePassword string
	ProfilesBase64      []string

	// KeychainName defaults to DefaultKeychainPrefix plus a random suffix
	KeychainName string
	// KeychainPassword defaults to a random value
	KeychainPassword string
}

// PreparedContext is what a signed build needs after Setup
type PreparedContext struct {
	Keychain      *keychain.Keychain
	Certificate   *codesign.SigningIdentity
	Profiles      []*codesign.ProvisioningProfile
	ExportOptions ExportOptions
}

// Orchestrator runs CI setup and cleanup
type Orchestrator struct {
	Keychains      *keychain.Manager
	Certificates   *codesign.CertificateRegistry
	Profiles       *codesign.ProfileRegistry
	KeychainPrefix string
	Logger         zerolog.Logger
	Now            func() time.Time
}

// NewOrchestrator wires the three registries
func NewOrchestrator(kcs *keychain.Manager, certs *codesign.CertificateRegistry, profiles *codesign.ProfileRegistry, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Keychains:      kcs,
		Certificates:   certs,
		Profiles:       profiles,
		KeychainPrefix: DefaultKeychainPrefix,
		Logger:         logger.With().Str("component", "ci").Logger(),
		Now:            time.Now,
	}
}

// Setup creates the keychain, imports the certificate, installs each
// profile in order and picks the first identity of the new keychain. Steps
// run strictly in sequence. If any step fails, the completed ones are undone
// in reverse order and their failures are combined with the original error.
func (o *Orchestrator) Setup(ctx context.Context, req Request) (_ *PreparedContext, err error) {
	sg := &saga{logger: o.Logger}
	defer func() {
		if err == nil {
			return
		}
		o.Logger.Error().Err(err).Msg("CI setup failed, rolling back")
		if rbErr := sg.rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = multierr.Append(err, rbErr)
		}
	}()

	name := req.KeychainName
	if name == "" {
		name = o.KeychainPrefix + uuid.NewString()
	}
	password := req.KeychainPassword
	if password == "" {
		password = uuid.NewString()
	}

	kc, err := o.Keychains.Create(ctx, name, password)
	if err != nil {
		return nil, err
	}
	switch {
	case kc.Created:
		sg.push("create keychain", func(ctx context.Context) error {
			return o.Keychains.Delete(ctx, kc.Path)
		})
	case kc.Listed:
		// reused keychain: only our search list entry is ours to undo
		sg.push("add keychain to search list", func(ctx context.Context) error {
			return o.Keychains.RemoveFromSearchList(ctx, kc.Path)
		})
	}
	log := o.Logger.With().Str("keychain", kc.Path).Logger()

	p12, err := decodeBase64(req.CertificateBase64)
	if err != nil {
		return nil, shell.Wrap("decode certificate", codesign.ErrImport, err)
	}
	if err := o.Certificates.ImportCertificate(ctx, p12, req.CertificatePassword, kc.Path, codesign.ImportOptions{
		KeychainPassword: kc.Password,
	}); err != nil {
		return nil, err
	}

	profiles := make([]*codesign.ProvisioningProfile, 0, len(req.ProfilesBase64))
	for i, encoded := range req.ProfilesBase64 {
		inst, err := o.Profiles.InstallProfileBase64(ctx, encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to install provisioning profile %d: %w", i+1, err)
		}
		sg.push("install profile "+inst.Profile.UUID, func(context.Context) error {
			return o.Profiles.Undo(inst)
		})
		profiles = append(profiles, inst.Profile)
	}

	listing, err := o.Certificates.ListCertificates(ctx, kc.Path)
	if err != nil {
		return nil, err
	}
	if len(listing.Identities) == 0 {
		return nil, fmt.Errorf("%w: keychain %s holds no signing identity", codesign.ErrNoCertificateFound, kc.Path)
	}
	cert := listing.Identities[0]
	if cert.IsExpired(o.Now()) {
		log.Warn().Str("certificate", cert.CommonName).Time("not_after", cert.NotAfter).Msg("signing certificate is not valid")
	}

	opts, mixed := buildExportOptions(cert, profiles)
	if mixed {
		log.Warn().Str("method", opts.Method).Msg("provisioning profiles have different export methods, using the first")
	}

	log.Info().
		Str("certificate", cert.CommonName).
		Str("team_id", cert.TeamID).
		Int("profiles", len(profiles)).
		Msg("signing context prepared")

	return &PreparedContext{
		Keychain:      kc,
		Certificate:   cert,
		Profiles:      profiles,
		ExportOptions: opts,
	}, nil
}

// Cleanup deletes the keychain Setup created. Calling it again is harmless.
func (o *Orchestrator) Cleanup(ctx context.Context, keychainPath string) error {
	return o.Keychains.Delete(ctx, keychainPath)
}

// PruneOrphans removes keychains of earlier runs that never cleaned up
func (o *Orchestrator) PruneOrphans(ctx context.Context) ([]string, error) {
	return o.Keychains.PruneOrphans(ctx, o.KeychainPrefix)
}

// VerifyArtifact checks that a built .app or .ipa was signed by the prepared
// team and certificate and embeds one of the prepared profiles
func VerifyArtifact(_ context.Context, artifactPath string, prepared *PreparedContext) (*codesign.ArtifactInfo, error) {
	info, err := codesign.ReadArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	if err := matchArtifact(info, prepared); err != nil {
		return info, fmt.Errorf("%w: %s: %w", ErrArtifactMismatch, artifactPath, err)
	}
	return info, nil
}

// matchArtifact returns every difference between the artifact's signature
// and the prepared context
func matchArtifact(info *codesign.ArtifactInfo, prepared *PreparedContext) error {
	var problems error
	if want := prepared.ExportOptions.TeamID; want != "" && info.TeamID != want {
		problems = multierr.Append(problems, fmt.Errorf("signed by team %q, want %q", info.TeamID, want))
	}
	if cert := prepared.Certificate; cert != nil && info.SignerSHA1 != "" && !strings.EqualFold(info.SignerSHA1, cert.SHA1) {
		problems = multierr.Append(problems, fmt.Errorf("signed with certificate %s, want %s", info.SignerCommonName, cert.CommonName))
	}
	if len(prepared.Profiles) > 0 {
		switch {
		case info.Profile == nil:
			problems = multierr.Append(problems, errors.New("no embedded provisioning profile"))
		case !containsProfile(prepared.Profiles, info.Profile.UUID):
			problems = multierr.Append(problems, fmt.Errorf("embedded profile %s was not prepared", info.Profile.UUID))
		}
	}
	return problems
}

func containsProfile(profiles []*codesign.ProvisioningProfile, uuid string) bool {
	for _, p := range profiles {
		if strings.EqualFold(p.UUID, uuid) {
			return true
		}
	}
	return false
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty certificate")
	}
	return data, nil
}
