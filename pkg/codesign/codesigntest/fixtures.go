// Package codesigntest builds signing fixtures for tests: certificates,
// PKCS#12 bundles and CMS-signed provisioning profiles.
package codesigntest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns an RSA key shared by every fixture in the test binary
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, keyErr)
	return key
}

// CertOptions describes a self-signed signing certificate
type CertOptions struct {
	CommonName   string // e.g. "Apple Distribution: Acme Inc (ABCDE12345)"
	TeamID       string
	Organization string
	NotBefore    time.Time
	NotAfter     time.Time
}

// Certificate creates a self-signed code signing certificate
func Certificate(t testing.TB, opts CertOptions) *x509.Certificate {
	t.Helper()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-24 * time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)

	subject := pkix.Name{CommonName: opts.CommonName}
	if opts.TeamID != "" {
		subject.OrganizationalUnit = []string{opts.TeamID}
	}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	k := Key(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// P12 bundles cert with the shared key
func P12(t testing.TB, cert *x509.Certificate, password string) []byte {
	t.Helper()
	data, err := gop12.Modern.Encode(Key(t), cert, nil, password)
	require.NoError(t, err)
	return data
}

// ProfileOptions describes a provisioning profile. Zero values get defaults:
// a random UUID, team ABCDE12345, bundle id com.acme.app, created a day ago
// and expiring in a year.
type ProfileOptions struct {
	UUID         string
	Name         string
	TeamID       string
	TeamName     string
	BundleID     string
	GetTaskAllow bool
	Devices      []string
	AllDevices   bool
	Platform     []string
	Created      time.Time
	Expires      time.Time
	Certificates []*x509.Certificate

	// Omit removes top-level keys from the payload
	Omit []string
}

func (o *ProfileOptions) defaults() {
	if o.UUID == "" {
		o.UUID = uuid.NewString()
	}
	if o.Name == "" {
		o.Name = "Test Profile " + o.UUID[:8]
	}
	if o.TeamID == "" {
		o.TeamID = "ABCDE12345"
	}
	if o.TeamName == "" {
		o.TeamName = "Acme Inc"
	}
	if o.BundleID == "" {
		o.BundleID = "com.acme.app"
	}
	if len(o.Platform) == 0 {
		o.Platform = []string{"iOS"}
	}
	if o.Created.IsZero() {
		o.Created = time.Now().Add(-24 * time.Hour)
	}
	if o.Expires.IsZero() {
		o.Expires = time.Now().Add(365 * 24 * time.Hour)
	}
}

// ProfilePayload returns the plaintext property list of a profile
func ProfilePayload(t testing.TB, opts ProfileOptions) []byte {
	t.Helper()
	opts.defaults()

	entitlements := map[string]interface{}{
		"application-identifier":               opts.TeamID + "." + opts.BundleID,
		"com.apple.developer.team-identifier": opts.TeamID,
		"get-task-allow":                       opts.GetTaskAllow,
	}
	certs := make([][]byte, 0, len(opts.Certificates))
	for _, c := range opts.Certificates {
		certs = append(certs, c.Raw)
	}

	m := map[string]interface{}{
		"UUID":                        opts.UUID,
		"Name":                        opts.Name,
		"TeamIdentifier":              []string{opts.TeamID},
		"TeamName":                    opts.TeamName,
		"AppIDName":                   "Acme App",
		"ApplicationIdentifierPrefix": []string{opts.TeamID},
		"Entitlements":                entitlements,
		"DeveloperCertificates":       certs,
		"CreationDate":                opts.Created.UTC().Truncate(time.Second),
		"ExpirationDate":              opts.Expires.UTC().Truncate(time.Second),
		"Platform":                    opts.Platform,
		"Version":                     1,
	}
	if len(opts.Devices) > 0 {
		m["ProvisionedDevices"] = opts.Devices
	}
	if opts.AllDevices {
		m["ProvisionsAllDevices"] = true
	}
	for _, k := range opts.Omit {
		delete(m, k)
	}

	data, err := plist.Marshal(m, plist.XMLFormat)
	require.NoError(t, err)
	return data
}

// Profile returns a CMS-signed .mobileprovision
func Profile(t testing.TB, opts ProfileOptions) []byte {
	t.Helper()
	return Sign(t, ProfilePayload(t, opts))
}

// Sign wraps content in a CMS SignedData container
func Sign(t testing.TB, content []byte) []byte {
	t.Helper()
	signer := Certificate(t, CertOptions{CommonName: "Apple iPhone OS Provisioning Profile Signing"})
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(signer, Key(t), pkcs7.SignerInfoConfig{}))
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

// SignDetached returns a detached CMS signature over content made with cert
func SignDetached(t testing.TB, cert *x509.Certificate, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, Key(t), pkcs7.SignerInfoConfig{}))
	sd.Detach()
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}
