package codesign

import (
	"bufio"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/aluedeke/go-signkit/pkg/shell"
)

// CertificateType is the kind of signing certificate, taken from the label
// prefix the security tool prints ("Apple Distribution: ...")
type CertificateType string

const (
	CertificateAppleDevelopment         CertificateType = "Apple Development"
	CertificateAppleDistribution        CertificateType = "Apple Distribution"
	CertificateIPhoneDeveloper          CertificateType = "iPhone Developer"
	CertificateIPhoneDistribution       CertificateType = "iPhone Distribution"
	CertificateMacDeveloper             CertificateType = "Mac Developer"
	CertificateMacAppDistribution       CertificateType = "3rd Party Mac Developer Application"
	CertificateMacInstallerDistribution CertificateType = "3rd Party Mac Developer Installer"
	CertificateDeveloperIDApplication   CertificateType = "Developer ID Application"
	CertificateDeveloperIDInstaller     CertificateType = "Developer ID Installer"
	CertificateUnknown                  CertificateType = "unknown"
)

var knownCertificateTypes = []CertificateType{
	CertificateAppleDevelopment,
	CertificateAppleDistribution,
	CertificateIPhoneDeveloper,
	CertificateIPhoneDistribution,
	CertificateMacDeveloper,
	CertificateMacAppDistribution,
	CertificateMacInstallerDistribution,
	CertificateDeveloperIDApplication,
	CertificateDeveloperIDInstaller,
}

// ParseCertificateType maps a label prefix or a short alias ("development",
// "distribution", "developer-id") to a CertificateType
func ParseCertificateType(s string) CertificateType {
	for _, t := range knownCertificateTypes {
		if strings.EqualFold(s, string(t)) {
			return t
		}
	}
	switch strings.ToLower(s) {
	case "development":
		return CertificateAppleDevelopment
	case "distribution":
		return CertificateAppleDistribution
	case "developer-id", "developerid":
		return CertificateDeveloperIDApplication
	}
	return CertificateUnknown
}

// SigningIdentity is an installed certificate with its private key
type SigningIdentity struct {
	CommonName   string // full label, e.g. "Apple Distribution: Acme Inc (ABCDE12345)"
	Name         string
	TeamID       string
	TeamName     string
	SerialNumber string
	SHA1         string
	SHA256       string
	NotBefore    time.Time
	NotAfter     time.Time
	Type         CertificateType
	// Keychain is the keychain the listing was scoped to. find-identity does
	// not name the owning keychain, so unscoped listings leave it empty.
	Keychain string
}

// IsValid reports whether now falls inside the certificate validity window
func (s *SigningIdentity) IsValid(now time.Time) bool {
	return !now.Before(s.NotBefore) && !now.After(s.NotAfter)
}

// IsExpired is the complement of IsValid
func (s *SigningIdentity) IsExpired(now time.Time) bool {
	return !s.IsValid(now)
}

// ExpiresInDays returns whole days until NotAfter, negative once expired
func (s *SigningIdentity) ExpiresInDays(now time.Time) int {
	return int(math.Floor(s.NotAfter.Sub(now).Hours() / 24))
}

// ScanFailure records an input a listing skipped and why
type ScanFailure struct {
	Source string // offending line or file path
	Reason string
}

// CertificateListing is the two-channel result of ListCertificates
type CertificateListing struct {
	Identities []*SigningIdentity
	Failures   []ScanFailure
}

var (
	identityLineRe  = regexp.MustCompile(`^\s*\d+\)\s+([0-9A-Fa-f]{40})\s+"(.*)"`)
	identityRowRe   = regexp.MustCompile(`^\s*\d+\)\s`)
	identityLabelRe = regexp.MustCompile(`^([^:]+):\s*(.+?)\s*\(([A-Za-z0-9]+)\)$`)
)

// CertificateRegistry enumerates and manages signing identities through the
// security tool
type CertificateRegistry struct {
	Shell  shell.Gateway
	Logger zerolog.Logger
	Now    func() time.Time

	// parsed certificates keyed by SHA-1; a fingerprint names immutable content
	certs *gocache.Cache
}

// NewCertificateRegistry creates a registry backed by gw
func NewCertificateRegistry(gw shell.Gateway, logger zerolog.Logger) *CertificateRegistry {
	return &CertificateRegistry{
		Shell:  gw,
		Logger: logger.With().Str("component", "certificates").Logger(),
		Now:    time.Now,
		certs:  gocache.New(time.Hour, 10*time.Minute),
	}
}

// ListCertificates enumerates code signing identities, optionally limited to
// one keychain. Order follows the security tool's output.
func (r *CertificateRegistry) ListCertificates(ctx context.Context, keychain string) (*CertificateListing, error) {
	args := []string{"find-identity", "-p", "codesigning"}
	if keychain != "" {
		args = append(args, keychain)
	}
	res, err := r.Shell.Run(ctx, shell.Command{Name: "security", Args: args})
	if err != nil {
		return nil, shell.Wrap("list certificates", shell.ErrShellFailure, err)
	}
	if res.Failed() {
		return nil, shell.CommandError("list certificates", shell.ErrShellFailure, res)
	}

	listing := ParseIdentityListing(res.Stdout)
	for _, id := range listing.Identities {
		id.Keychain = keychain
		if err := r.fillDetails(ctx, id, keychain); err != nil {
			listing.Failures = append(listing.Failures, ScanFailure{Source: id.CommonName, Reason: err.Error()})
		}
	}

	r.Logger.Debug().
		Str("keychain", keychain).
		Int("identities", len(listing.Identities)).
		Int("skipped", len(listing.Failures)).
		Msg("listed signing identities")
	return listing, nil
}

// ParseIdentityListing extracts identities from `security find-identity`
// output. Rows repeated in the "valid identities only" section are collapsed.
// Only the fields present in the listing are populated.
func ParseIdentityListing(output string) *CertificateListing {
	listing := &CertificateListing{}
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		m := identityLineRe.FindStringSubmatch(line)
		if m == nil {
			if identityRowRe.MatchString(line) {
				listing.Failures = append(listing.Failures, ScanFailure{Source: line, Reason: "unrecognized identity row"})
			}
			continue
		}
		sha1, label := strings.ToUpper(m[1]), m[2]
		if seen[sha1] {
			continue
		}
		seen[sha1] = true

		lm := identityLabelRe.FindStringSubmatch(label)
		if lm == nil {
			listing.Failures = append(listing.Failures, ScanFailure{Source: line, Reason: "label does not match \"<type>: <name> (<team>)\""})
			continue
		}

		typ := CertificateType(lm[1])
		if ParseCertificateType(lm[1]) != typ {
			typ = CertificateUnknown
		}
		listing.Identities = append(listing.Identities, &SigningIdentity{
			CommonName: label,
			Name:       lm[2],
			TeamID:     lm[3],
			SHA1:       sha1,
			Type:       typ,
		})
	}
	return listing
}

// fillDetails completes an identity with data only the certificate carries
func (r *CertificateRegistry) fillDetails(ctx context.Context, id *SigningIdentity, keychain string) error {
	cert, err := r.certificate(ctx, id, keychain)
	if err != nil {
		return err
	}
	applyCertificate(id, cert)
	return nil
}

func (r *CertificateRegistry) certificate(ctx context.Context, id *SigningIdentity, keychain string) (*x509.Certificate, error) {
	if v, ok := r.certs.Get(id.SHA1); ok {
		return v.(*x509.Certificate), nil
	}

	args := []string{"find-certificate", "-a", "-Z", "-p", "-c", id.CommonName}
	if keychain != "" {
		args = append(args, keychain)
	}
	res, err := r.Shell.Run(ctx, shell.Command{Name: "security", Args: args})
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, shell.CommandError("find certificate "+id.CommonName, shell.ErrShellFailure, res)
	}

	rest := []byte(res.Stdout)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		sha1, _ := fingerprints(cert.Raw)
		r.certs.Set(sha1, cert, gocache.DefaultExpiration)
	}

	if v, ok := r.certs.Get(id.SHA1); ok {
		return v.(*x509.Certificate), nil
	}
	return nil, fmt.Errorf("%w: certificate %s not returned by find-certificate", ErrParse, id.SHA1)
}

// FindCertificate returns the first identity, in enumeration order, that
// belongs to teamID, has the requested type (empty matches any) and is valid
// now. Expiry is not used for ranking.
func (r *CertificateRegistry) FindCertificate(ctx context.Context, teamID string, typ CertificateType, keychain string) (*SigningIdentity, error) {
	listing, err := r.ListCertificates(ctx, keychain)
	if err != nil {
		return nil, err
	}
	if id := SelectCertificate(listing.Identities, teamID, typ, r.Now()); id != nil {
		return id, nil
	}
	return nil, fmt.Errorf("%w: team %s, type %q", ErrNoCertificateFound, teamID, typ)
}

// SelectCertificate applies FindCertificate's filter to an existing listing
func SelectCertificate(ids []*SigningIdentity, teamID string, typ CertificateType, now time.Time) *SigningIdentity {
	for _, id := range ids {
		if teamID != "" && id.TeamID != teamID {
			continue
		}
		if typ != "" && id.Type != typ {
			continue
		}
		if !id.IsValid(now) {
			continue
		}
		return id
	}
	return nil
}

// ImportOptions controls the optional steps of ImportCertificate
type ImportOptions struct {
	// KeychainPassword, when set together with a keychain, grants codesign
	// access to the imported key without a UI prompt
	KeychainPassword string
	// TrustedApps are passed as -T; defaults to codesign and security
	TrustedApps []string
}

var defaultTrustedApps = []string{"/usr/bin/codesign", "/usr/bin/security"}

// ImportCertificate imports a PKCS#12 identity. Importing an identity that
// the keychain already holds succeeds without creating a duplicate.
func (r *CertificateRegistry) ImportCertificate(ctx context.Context, p12 []byte, password, keychain string, opts ImportOptions) error {
	identity, err := InspectP12(p12, password)
	if err != nil {
		return shell.Wrap("import certificate", ErrImport, err)
	}

	tmp, err := os.CreateTemp("", "signkit-*.p12")
	if err != nil {
		return shell.Wrap("import certificate", ErrImport, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(p12); err != nil {
		tmp.Close()
		return shell.Wrap("import certificate", ErrImport, err)
	}
	if err := tmp.Close(); err != nil {
		return shell.Wrap("import certificate", ErrImport, err)
	}

	args := []string{"import", tmp.Name(), "-f", "pkcs12", "-P", password}
	if keychain != "" {
		args = append(args, "-k", keychain)
	}
	apps := opts.TrustedApps
	if len(apps) == 0 {
		apps = defaultTrustedApps
	}
	for _, app := range apps {
		args = append(args, "-T", app)
	}

	res, err := r.Shell.Run(ctx, shell.Command{Name: "security", Args: args})
	if err != nil {
		return shell.Wrap("import certificate", ErrImport, err)
	}
	log := r.Logger.With().Str("keychain", keychain).Str("certificate", identity.Certificate.Subject.CommonName).Logger()
	switch {
	case !res.Failed():
		log.Info().Msg("imported certificate")
	case res.StderrContains("already exists"):
		log.Info().Msg("certificate already present in keychain")
	default:
		return shell.CommandError("import certificate", ErrImport, res)
	}

	if opts.KeychainPassword != "" && keychain != "" {
		res, err := r.Shell.Run(ctx, shell.Command{Name: "security", Args: []string{
			"set-key-partition-list", "-S", "apple-tool:,apple:,codesign:", "-s", "-k", opts.KeychainPassword, keychain,
		}})
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("could not grant codesign key access")
		case res.Failed():
			log.Warn().Str("stderr", strings.TrimSpace(res.Stderr)).Msg("could not grant codesign key access")
		}
	}
	return nil
}

// DeleteCertificate removes the certificate whose common name matches
func (r *CertificateRegistry) DeleteCertificate(ctx context.Context, commonName, keychain string) error {
	args := []string{"delete-certificate", "-c", commonName}
	if keychain != "" {
		args = append(args, keychain)
	}
	res, err := r.Shell.Run(ctx, shell.Command{Name: "security", Args: args})
	if err != nil {
		return shell.Wrap("delete certificate "+commonName, ErrDelete, err)
	}
	if res.Failed() {
		return shell.CommandError("delete certificate "+commonName, ErrDelete, res)
	}
	r.Logger.Info().Str("certificate", commonName).Str("keychain", keychain).Msg("deleted certificate")
	return nil
}
