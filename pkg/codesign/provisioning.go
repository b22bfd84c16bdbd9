package codesign

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"howett.net/plist"
)

// ProfileType is the distribution kind of a provisioning profile
type ProfileType string

const (
	ProfileDevelopment ProfileType = "development"
	ProfileAppStore    ProfileType = "app-store"
	ProfileAdHoc       ProfileType = "ad-hoc"
	ProfileEnterprise  ProfileType = "enterprise"
	ProfileMacAppStore ProfileType = "mac-app-store"
	ProfileDeveloperID ProfileType = "developer-id"
)

// ParseProfileType accepts the canonical names plus the camel-case spellings
// used by build tooling (appStore, adHoc, ...)
func ParseProfileType(s string) (ProfileType, error) {
	switch strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(s)) {
	case "development":
		return ProfileDevelopment, nil
	case "appstore":
		return ProfileAppStore, nil
	case "adhoc":
		return ProfileAdHoc, nil
	case "enterprise":
		return ProfileEnterprise, nil
	case "macappstore":
		return ProfileMacAppStore, nil
	case "developerid":
		return ProfileDeveloperID, nil
	}
	return "", fmt.Errorf("unknown profile type %q", s)
}

// ExportMethod returns the xcodebuild -exportArchive method for the type
func (t ProfileType) ExportMethod() string {
	switch t {
	case ProfileAppStore, ProfileMacAppStore:
		return "app-store"
	case ProfileAdHoc:
		return "ad-hoc"
	case ProfileEnterprise:
		return "enterprise"
	case ProfileDeveloperID:
		return "developer-id"
	default:
		return "development"
	}
}

// InferProfileType derives the profile kind from its provisioning flags.
// The checks run in priority order: a profile carrying both get-task-allow
// and a device list is a development profile, not ad hoc.
func InferProfileType(provisionsAllDevices, getTaskAllow, hasDevices bool) ProfileType {
	switch {
	case provisionsAllDevices:
		return ProfileEnterprise
	case getTaskAllow:
		return ProfileDevelopment
	case hasDevices:
		return ProfileAdHoc
	default:
		return ProfileAppStore
	}
}

// forPlatform maps iOS kinds onto their macOS counterparts
func (t ProfileType) forPlatform(platforms []string) ProfileType {
	mac := false
	for _, p := range platforms {
		if p == "OSX" || p == "macOS" {
			mac = true
			break
		}
	}
	if !mac {
		return t
	}
	switch t {
	case ProfileEnterprise:
		return ProfileDeveloperID
	case ProfileAppStore:
		return ProfileMacAppStore
	}
	return t
}

// ProvisioningProfile represents a parsed .mobileprovision file
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`

	// Derived while decoding
	BundleID string      `plist:"-"`
	Type     ProfileType `plist:"-"`
	Path     string      `plist:"-"`
}

// DecodeProfilePayload builds a profile from the plaintext property list
// inside the CMS envelope. Every field the registry relies on must be
// present; a missing one is an ErrParse failure.
func DecodeProfilePayload(payload []byte) (*ProvisioningProfile, error) {
	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("%w: failed to parse provisioning profile plist: %v", ErrParse, err)
	}

	var missing []string
	if profile.UUID == "" {
		missing = append(missing, "UUID")
	}
	if profile.Name == "" {
		missing = append(missing, "Name")
	}
	if len(profile.TeamIdentifier) == 0 || profile.TeamIdentifier[0] == "" {
		missing = append(missing, "TeamIdentifier")
	}
	if profile.TeamName == "" {
		missing = append(missing, "TeamName")
	}
	if profile.GetApplicationIdentifier() == "" {
		missing = append(missing, "Entitlements.application-identifier")
	}
	if profile.CreationDate.IsZero() {
		missing = append(missing, "CreationDate")
	}
	if profile.ExpirationDate.IsZero() {
		missing = append(missing, "ExpirationDate")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: provisioning profile is missing %s", ErrParse, strings.Join(missing, ", "))
	}
	if _, err := uuid.Parse(profile.UUID); err != nil {
		return nil, fmt.Errorf("%w: invalid profile UUID %q: %v", ErrParse, profile.UUID, err)
	}

	teamID := profile.GetTeamID()
	profile.BundleID = strings.Replace(profile.GetApplicationIdentifier(), teamID+".", "", 1)
	profile.Type = InferProfileType(
		profile.ProvisionsAllDevices,
		profile.getTaskAllow(),
		len(profile.ProvisionedDevices) > 0,
	).forPlatform(profile.Platform)

	return &profile, nil
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

func (p *ProvisioningProfile) getTaskAllow() bool {
	allow, _ := p.Entitlements["get-task-allow"].(bool)
	return allow
}

// IsWildcard reports whether the profile's bundle id ends in '*'
func (p *ProvisioningProfile) IsWildcard() bool {
	return strings.HasSuffix(p.BundleID, "*")
}

// Matches reports whether the profile can sign bundleID: exact equality, or
// for a wildcard profile a prefix match on the id without its '*'
func (p *ProvisioningProfile) Matches(bundleID string) bool {
	if p.IsWildcard() {
		return strings.HasPrefix(bundleID, strings.TrimSuffix(p.BundleID, "*"))
	}
	return p.BundleID == bundleID
}

// IsExpired checks if the provisioning profile has expired at now
func (p *ProvisioningProfile) IsExpired(now time.Time) bool {
	return now.After(p.ExpirationDate)
}

// IsValid is the complement of IsExpired
func (p *ProvisioningProfile) IsValid(now time.Time) bool {
	return !p.IsExpired(now)
}

// ExportMethod returns the export method for this profile's type
func (p *ProvisioningProfile) ExportMethod() string {
	return p.Type.ExportMethod()
}

// IsDeviceAllowed reports whether the profile can run on the device with
// the given UDID. Enterprise profiles run anywhere; App Store profiles
// provision no devices.
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}

	for _, device := range p.ProvisionedDevices {
		if strings.EqualFold(device, udid) {
			return true
		}
	}
	return false
}

// GetCertificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// CertificateFingerprints returns the SHA-1 fingerprints of the developer
// certificates the profile references
func (p *ProvisioningProfile) CertificateFingerprints() []string {
	out := make([]string, 0, len(p.DeveloperCertificates))
	for _, der := range p.DeveloperCertificates {
		sha1, _ := fingerprints(der)
		out = append(out, sha1)
	}
	return out
}

// IncludesCertificate reports whether the identity's certificate is one of
// the profile's developer certificates
func (p *ProvisioningProfile) IncludesCertificate(id *SigningIdentity) bool {
	for _, fp := range p.CertificateFingerprints() {
		if strings.EqualFold(fp, id.SHA1) {
			return true
		}
	}
	return false
}
