package codesign

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// P12Identity is the content of a PKCS#12 signing bundle
type P12Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// InspectP12 decodes a PKCS#12 bundle, verifying the password
func InspectP12(p12Data []byte, password string) (*P12Identity, error) {
	if len(p12Data) == 0 {
		return nil, fmt.Errorf("P12 certificate data is required")
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	return &P12Identity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
		TeamID:      extractTeamID(cert),
	}, nil
}

// SigningIdentity describes the bundle's certificate the way the keychain
// would list it after import
func (p *P12Identity) SigningIdentity() *SigningIdentity {
	id := &SigningIdentity{CommonName: p.Certificate.Subject.CommonName}
	if m := identityLabelRe.FindStringSubmatch(id.CommonName); m != nil {
		id.Name = m[2]
		id.Type = ParseCertificateType(m[1])
	} else {
		id.Type = CertificateUnknown
	}
	applyCertificate(id, p.Certificate)
	return id
}

func extractTeamID(cert *x509.Certificate) string {
	// Team ID is typically in the Organizational Unit field
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 { // Apple Team IDs are 10 characters
			return ou
		}
	}
	return ""
}

// applyCertificate copies the certificate-derived fields onto id
func applyCertificate(id *SigningIdentity, cert *x509.Certificate) {
	id.SHA1, id.SHA256 = fingerprints(cert.Raw)
	id.SerialNumber = strings.ToUpper(cert.SerialNumber.Text(16))
	id.NotBefore = cert.NotBefore
	id.NotAfter = cert.NotAfter
	if len(cert.Subject.Organization) > 0 {
		id.TeamName = cert.Subject.Organization[0]
	}
	if teamID := extractTeamID(cert); teamID != "" {
		id.TeamID = teamID
	}
}

// fingerprints returns the upper-case hex SHA-1 and SHA-256 of a DER blob
func fingerprints(der []byte) (string, string) {
	s1 := sha1.Sum(der)
	s256 := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(s1[:])), strings.ToUpper(hex.EncodeToString(s256[:]))
}
