package ci

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/aluedeke/go-signkit/pkg/codesign"
	"github.com/aluedeke/go-signkit/pkg/codesign/codesigntest"
	"github.com/aluedeke/go-signkit/pkg/keychain"
	"github.com/aluedeke/go-signkit/pkg/shell"
	"github.com/aluedeke/go-signkit/pkg/shell/shelltest"
)

const distributionLabel = "Apple Distribution: Acme Inc (ABCDE12345)"

type fixture struct {
	orch     *Orchestrator
	sec      *shelltest.Security
	login    string
	profiles *codesign.ProfileRegistry
	p12      string
	identity shelltest.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	login := filepath.Join(dir, "Keychains", "login.keychain-db")
	sec := shelltest.NewSecurity(login)

	cert := codesigntest.Certificate(t, codesigntest.CertOptions{
		CommonName:   distributionLabel,
		TeamID:       "ABCDE12345",
		Organization: "Acme Inc",
	})
	p12 := codesigntest.P12(t, cert, "p12-pass")
	id := shelltest.Identity{Label: distributionLabel, CertDER: cert.Raw}
	sec.RegisterP12(p12, "p12-pass", id)

	log := zerolog.Nop()
	profiles := codesign.NewProfileRegistry(filepath.Join(dir, "Provisioning Profiles"), nil, log)
	orch := NewOrchestrator(
		keychain.NewManager(sec, filepath.Join(dir, "Keychains"), log),
		codesign.NewCertificateRegistry(sec, log),
		profiles,
		log,
	)
	return &fixture{
		orch:     orch,
		sec:      sec,
		login:    login,
		profiles: profiles,
		p12:      base64.StdEncoding.EncodeToString(p12),
		identity: id,
	}
}

func profileB64(t *testing.T, opts codesigntest.ProfileOptions) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(codesigntest.Profile(t, opts))
}

func profileFiles(t *testing.T, reg *codesign.ProfileRegistry) []string {
	t.Helper()
	entries, err := os.ReadDir(reg.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appID, widgetID := uuid.NewString(), uuid.NewString()
	prepared, err := f.orch.Setup(ctx, Request{
		CertificateBase64:   f.p12,
		CertificatePassword: "p12-pass",
		ProfilesBase64: []string{
			profileB64(t, codesigntest.ProfileOptions{UUID: appID, Name: "Acme App Store", BundleID: "com.acme.app"}),
			profileB64(t, codesigntest.ProfileOptions{UUID: widgetID, Name: "Acme Widget", BundleID: "com.acme.app.widget"}),
		},
		KeychainPassword: "kc-pass",
	})
	require.NoError(t, err)

	kc := prepared.Keychain
	assert.True(t, strings.HasPrefix(filepath.Base(kc.Path), DefaultKeychainPrefix))
	assert.Equal(t, "kc-pass", kc.Password)
	assert.Equal(t, []string{kc.Path, f.login}, f.sec.SearchList())
	assert.Equal(t, 1, f.sec.IdentityCount(kc.Path))

	assert.Equal(t, f.identity.SHA1(), prepared.Certificate.SHA1)
	require.Len(t, prepared.Profiles, 2)
	assert.FileExists(t, f.profiles.ProfilePath(appID))
	assert.FileExists(t, f.profiles.ProfilePath(widgetID))

	assert.Equal(t, ExportOptions{
		Method:             "app-store",
		TeamID:             "ABCDE12345",
		SigningStyle:       "manual",
		SigningCertificate: distributionLabel,
		ProvisioningProfiles: map[string]string{
			"com.acme.app":        "Acme App Store",
			"com.acme.app.widget": "Acme Widget",
		},
	}, prepared.ExportOptions)

	for _, c := range f.sec.Calls() {
		assert.NotContains(t, c.String(), "kc-pass")
		assert.NotContains(t, c.String(), "p12-pass")
	}

	require.NoError(t, f.orch.Cleanup(ctx, kc.Path))
	assert.False(t, f.sec.HasKeychain(kc.Path))
	assert.Equal(t, []string{f.login}, f.sec.SearchList())
	require.NoError(t, f.orch.Cleanup(ctx, kc.Path))
}

func TestSetupRollsBackOnProfileFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a profile from an earlier run that the request overwrites
	shared := uuid.NewString()
	original := codesigntest.Profile(t, codesigntest.ProfileOptions{UUID: shared, Name: "Original"})
	_, err := f.profiles.InstallProfileData(ctx, original)
	require.NoError(t, err)

	fresh := uuid.NewString()
	_, err = f.orch.Setup(ctx, Request{
		CertificateBase64:   f.p12,
		CertificatePassword: "p12-pass",
		ProfilesBase64: []string{
			profileB64(t, codesigntest.ProfileOptions{UUID: shared, Name: "Replacement"}),
			profileB64(t, codesigntest.ProfileOptions{UUID: fresh}),
			"!!! not base64",
		},
		KeychainName: "job-42",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, codesign.ErrParse)
	assert.ErrorContains(t, err, "provisioning profile 3")

	kcPath := f.orch.Keychains.Path("job-42")
	assert.False(t, f.sec.HasKeychain(kcPath))
	assert.Equal(t, []string{f.login}, f.sec.SearchList())

	assert.NoFileExists(t, f.profiles.ProfilePath(fresh))
	onDisk, err := os.ReadFile(f.profiles.ProfilePath(shared))
	require.NoError(t, err)
	assert.Equal(t, original, onDisk)
	assert.Equal(t, []string{shared + codesign.ProfileExtension}, profileFiles(t, f.profiles))
}

func TestSetupKeepsReusedKeychain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shared, err := f.orch.Keychains.Create(ctx, "shared", "pw")
	require.NoError(t, err)
	f.sec.AddIdentity(shared.Path, f.identity)
	require.NoError(t, f.orch.Keychains.RemoveFromSearchList(ctx, shared.Path))

	_, err = f.orch.Setup(ctx, Request{
		CertificateBase64: "!!! not base64",
		KeychainName:      "shared",
		KeychainPassword:  "pw",
	})
	assert.ErrorIs(t, err, codesign.ErrImport)

	assert.True(t, f.sec.HasKeychain(shared.Path))
	assert.Equal(t, 1, f.sec.IdentityCount(shared.Path))
	// the search list entry Setup added is gone again
	assert.Equal(t, []string{f.login}, f.sec.SearchList())
}

func TestSetupKeychainConfigureFailureLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.sec.Respond(shell.Result{ExitCode: 1, Stderr: "security: SecKeychainSetSettings: failed"}, "security", "set-keychain-settings")

	_, err := f.orch.Setup(context.Background(), Request{
		CertificateBase64:   f.p12,
		CertificatePassword: "p12-pass",
		KeychainName:        "leak",
	})
	assert.ErrorIs(t, err, keychain.ErrKeychain)
	assert.False(t, f.sec.HasKeychain(f.orch.Keychains.Path("leak")))
	assert.NoFileExists(t, f.orch.Keychains.Path("leak"))
	assert.Equal(t, []string{f.login}, f.sec.SearchList())
}

func TestSetupBadCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Setup(ctx, Request{CertificateBase64: "%%%", KeychainName: "job"})
	assert.ErrorIs(t, err, codesign.ErrImport)

	_, err = f.orch.Setup(ctx, Request{CertificateBase64: f.p12, CertificatePassword: "wrong", KeychainName: "job"})
	assert.ErrorIs(t, err, codesign.ErrImport)

	assert.False(t, f.sec.HasKeychain(f.orch.Keychains.Path("job")))
	assert.Equal(t, []string{f.login}, f.sec.SearchList())
}

func TestSetupWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	// import reports success but nothing lands in the keychain
	f.sec.Respond(shell.Result{Stdout: "0 identities imported.\n"}, "security", "import")

	_, err := f.orch.Setup(context.Background(), Request{
		CertificateBase64:   f.p12,
		CertificatePassword: "p12-pass",
		ProfilesBase64:      []string{profileB64(t, codesigntest.ProfileOptions{})},
		KeychainName:        "job",
	})
	assert.ErrorIs(t, err, codesign.ErrNoCertificateFound)
	assert.False(t, f.sec.HasKeychain(f.orch.Keychains.Path("job")))
	assert.Empty(t, profileFiles(t, f.profiles))
}

func TestSetupReportsRollbackFailures(t *testing.T) {
	f := newFixture(t)
	f.sec.Respond(shell.Result{Stdout: ""}, "security", "import")
	f.sec.Respond(shell.Result{ExitCode: 1, Stderr: "security: SecKeychainDelete: Permission denied"}, "security", "delete-keychain")

	_, err := f.orch.Setup(context.Background(), Request{
		CertificateBase64:   f.p12,
		CertificatePassword: "p12-pass",
		KeychainName:        "job",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, codesign.ErrNoCertificateFound)
	assert.ErrorIs(t, err, keychain.ErrKeychain)
	assert.ErrorContains(t, err, "failed to undo create keychain")
}

func TestSetupCancelledContextStillRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	// cancel once the certificate is in, before the identity lookup
	f.sec.Handle(func(cmd shell.Command) *shell.Result {
		cancel()
		return &shell.Result{}
	}, "security", "set-key-partition-list")

	_, err := f.orch.Setup(ctx, Request{
		CertificateBase64:   f.p12,
		CertificatePassword: "p12-pass",
		KeychainName:        "job",
	})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, f.sec.HasKeychain(f.orch.Keychains.Path("job")))
}

func TestPruneOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan, err := f.orch.Keychains.Create(ctx, DefaultKeychainPrefix+"stale", "pw")
	require.NoError(t, err)
	other, err := f.orch.Keychains.Create(ctx, "developer", "pw")
	require.NoError(t, err)

	pruned, err := f.orch.PruneOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan.Path}, pruned)
	assert.True(t, f.sec.HasKeychain(other.Path))
}

func TestMatchArtifact(t *testing.T) {
	prepared := &PreparedContext{
		Certificate:   &codesign.SigningIdentity{CommonName: distributionLabel, SHA1: "AA11"},
		Profiles:      []*codesign.ProvisioningProfile{{UUID: "6D3C1F0E-0000-4000-8000-000000000001"}},
		ExportOptions: ExportOptions{TeamID: "ABCDE12345"},
	}
	matching := codesign.ArtifactInfo{
		TeamID:     "ABCDE12345",
		SignerSHA1: "aa11",
		Profile:    &codesign.ProvisioningProfile{UUID: "6d3c1f0e-0000-4000-8000-000000000001"},
	}

	tests := []struct {
		name   string
		modify func(*codesign.ArtifactInfo)
		want   []string
	}{
		{"match", func(*codesign.ArtifactInfo) {}, nil},
		{"unsigned signer", func(i *codesign.ArtifactInfo) { i.SignerSHA1 = "" }, nil},
		{"team", func(i *codesign.ArtifactInfo) { i.TeamID = "ZZZZZ99999" }, []string{`signed by team "ZZZZZ99999"`}},
		{"signer", func(i *codesign.ArtifactInfo) {
			i.SignerSHA1 = "BB22"
			i.SignerCommonName = "Apple Development: Someone Else"
		}, []string{"signed with certificate Apple Development: Someone Else"}},
		{"no profile", func(i *codesign.ArtifactInfo) { i.Profile = nil }, []string{"no embedded provisioning profile"}},
		{"other profile", func(i *codesign.ArtifactInfo) {
			i.Profile = &codesign.ProvisioningProfile{UUID: "other"}
		}, []string{"embedded profile other was not prepared"}},
		{"everything", func(i *codesign.ArtifactInfo) {
			i.TeamID = ""
			i.SignerSHA1 = "BB22"
			i.Profile = nil
		}, []string{"signed by team", "signed with certificate", "no embedded provisioning profile"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := matching
			tt.modify(&info)
			err := matchArtifact(&info, prepared)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Len(t, multierr.Errors(err), len(tt.want))
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestVerifyArtifactMissing(t *testing.T) {
	_, err := VerifyArtifact(context.Background(), filepath.Join(t.TempDir(), "Acme.ipa"), &PreparedContext{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrArtifactMismatch)
}
