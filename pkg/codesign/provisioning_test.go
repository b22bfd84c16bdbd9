package codesign

import (
	"crypto/x509"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-signkit/pkg/codesign/codesigntest"
)

func TestInferProfileType(t *testing.T) {
	tests := []struct {
		all, getTaskAllow, hasDevices bool
		want                          ProfileType
	}{
		{false, false, false, ProfileAppStore},
		{false, false, true, ProfileAdHoc},
		{false, true, false, ProfileDevelopment},
		{false, true, true, ProfileDevelopment},
		{true, false, false, ProfileEnterprise},
		{true, false, true, ProfileEnterprise},
		{true, true, false, ProfileEnterprise},
		{true, true, true, ProfileEnterprise},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("all=%v/gta=%v/devices=%v", tt.all, tt.getTaskAllow, tt.hasDevices)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferProfileType(tt.all, tt.getTaskAllow, tt.hasDevices))
		})
	}
}

func TestProfileTypeForMacOS(t *testing.T) {
	mac := []string{"OSX"}
	assert.Equal(t, ProfileDeveloperID, ProfileEnterprise.forPlatform(mac))
	assert.Equal(t, ProfileMacAppStore, ProfileAppStore.forPlatform(mac))
	assert.Equal(t, ProfileDevelopment, ProfileDevelopment.forPlatform(mac))
	assert.Equal(t, ProfileAppStore, ProfileAppStore.forPlatform([]string{"iOS", "xrOS"}))
}

func TestParseProfileType(t *testing.T) {
	for in, want := range map[string]ProfileType{
		"app-store":   ProfileAppStore,
		"appStore":    ProfileAppStore,
		"ad_hoc":      ProfileAdHoc,
		"development": ProfileDevelopment,
		"Enterprise":  ProfileEnterprise,
		"developerId": ProfileDeveloperID,
	} {
		got, err := ParseProfileType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProfileType("beta")
	assert.Error(t, err)
}

func TestExportMethod(t *testing.T) {
	assert.Equal(t, "app-store", ProfileMacAppStore.ExportMethod())
	assert.Equal(t, "ad-hoc", ProfileAdHoc.ExportMethod())
	assert.Equal(t, "developer-id", ProfileDeveloperID.ExportMethod())
	assert.Equal(t, "development", ProfileDevelopment.ExportMethod())
}

func TestDecodeProfilePayload(t *testing.T) {
	payload := codesigntest.ProfilePayload(t, codesigntest.ProfileOptions{
		UUID:     "0F1E2D3C-4B5A-6978-8796-A5B4C3D2E1F0",
		Name:     "Acme AdHoc",
		BundleID: "com.acme.app",
		Devices:  []string{"00008030-001A2B3C4D5E6F70"},
	})

	p, err := DecodeProfilePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "0F1E2D3C-4B5A-6978-8796-A5B4C3D2E1F0", p.UUID)
	assert.Equal(t, "Acme AdHoc", p.Name)
	assert.Equal(t, "ABCDE12345", p.GetTeamID())
	assert.Equal(t, "ABCDE12345.com.acme.app", p.GetApplicationIdentifier())
	assert.Equal(t, "com.acme.app", p.BundleID)
	assert.Equal(t, ProfileAdHoc, p.Type)
	assert.True(t, p.IsDeviceAllowed("00008030-001A2B3C4D5E6F70"))
	assert.False(t, p.IsDeviceAllowed("other"))
}

func TestIsDeviceAllowed(t *testing.T) {
	adHoc := &ProvisioningProfile{ProvisionedDevices: []string{"00008030-001A2B3C4D5E6F70"}}
	assert.True(t, adHoc.IsDeviceAllowed("00008030-001a2b3c4d5e6f70"))
	assert.False(t, adHoc.IsDeviceAllowed("00008101-000000000000001E"))

	enterprise := &ProvisioningProfile{ProvisionsAllDevices: true}
	assert.True(t, enterprise.IsDeviceAllowed("00008101-000000000000001E"))

	appStore := &ProvisioningProfile{}
	assert.False(t, appStore.IsDeviceAllowed("00008030-001A2B3C4D5E6F70"))
}

func TestDecodeProfilePayloadMissingFields(t *testing.T) {
	for _, key := range []string{"UUID", "Name", "TeamIdentifier", "TeamName", "Entitlements", "CreationDate", "ExpirationDate"} {
		t.Run(key, func(t *testing.T) {
			payload := codesigntest.ProfilePayload(t, codesigntest.ProfileOptions{Omit: []string{key}})
			_, err := DecodeProfilePayload(payload)
			assert.ErrorIs(t, err, ErrParse)
		})
	}

	_, err := DecodeProfilePayload([]byte("not a plist"))
	assert.ErrorIs(t, err, ErrParse)

	_, err = DecodeProfilePayload(codesigntest.ProfilePayload(t, codesigntest.ProfileOptions{UUID: "not-a-uuid"}))
	assert.ErrorIs(t, err, ErrParse)
}

func TestBundleIDStripsOnlyFirstTeamPrefix(t *testing.T) {
	payload := codesigntest.ProfilePayload(t, codesigntest.ProfileOptions{BundleID: "ABCDE12345.suffix"})
	p, err := DecodeProfilePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "ABCDE12345.suffix", p.BundleID)
}

func TestProfileMatches(t *testing.T) {
	exact := &ProvisioningProfile{BundleID: "com.acme.app"}
	assert.True(t, exact.Matches("com.acme.app"))
	assert.False(t, exact.Matches("com.acme.app.widget"))
	assert.False(t, exact.Matches("com.acme"))

	wildcard := &ProvisioningProfile{BundleID: "com.acme.app.*"}
	assert.True(t, wildcard.IsWildcard())
	assert.True(t, wildcard.Matches("com.acme.app.widget"))
	assert.True(t, wildcard.Matches("com.acme.app.widget.extension"))
	assert.False(t, wildcard.Matches("com.acme.app"))
	assert.False(t, wildcard.Matches("com.other.app.widget"))

	all := &ProvisioningProfile{BundleID: "*"}
	for _, id := range []string{"com.acme.app", "x", ""} {
		assert.True(t, all.Matches(id), id)
	}

	// every profile matches its own bundle id
	for _, id := range []string{"com.acme.app", "a.b.c.d", "*"} {
		assert.True(t, (&ProvisioningProfile{BundleID: id}).Matches(id), id)
	}
}

func TestProfileValidity(t *testing.T) {
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := &ProvisioningProfile{ExpirationDate: exp}

	for _, at := range []time.Time{exp.Add(-time.Hour), exp, exp.Add(time.Second), exp.AddDate(1, 0, 0)} {
		assert.NotEqual(t, p.IsValid(at), p.IsExpired(at), "at %s", at)
	}
	assert.True(t, p.IsValid(exp))
	assert.True(t, p.IsExpired(exp.Add(time.Second)))
}

func TestProfileIncludesCertificate(t *testing.T) {
	cert := codesigntest.Certificate(t, codesigntest.CertOptions{CommonName: "Apple Distribution: Acme Inc (ABCDE12345)"})
	other := codesigntest.Certificate(t, codesigntest.CertOptions{CommonName: "Apple Development: Jane Doe (ABCDE12345)"})

	p, err := ParseProvisioningProfile(codesigntest.Profile(t, codesigntest.ProfileOptions{
		Certificates: []*x509.Certificate{cert},
	}))
	require.NoError(t, err)

	sha1, _ := fingerprints(cert.Raw)
	otherSHA1, _ := fingerprints(other.Raw)
	assert.Equal(t, []string{sha1}, p.CertificateFingerprints())
	assert.True(t, p.IncludesCertificate(&SigningIdentity{SHA1: sha1}))
	assert.False(t, p.IncludesCertificate(&SigningIdentity{SHA1: otherSHA1}))

	certs, err := p.GetCertificates()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, cert.Subject.CommonName, certs[0].Subject.CommonName)
}
