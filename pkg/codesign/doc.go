// Package codesign discovers and manages the credentials a signed build
// needs: signing identities held in a keychain and installed provisioning
// profiles.
//
// # Basic Usage
//
// To find the distribution identity and App Store profile for an app:
//
//	certs := codesign.NewCertificateRegistry(shell.NewExecGateway(log), log)
//	id, err := certs.FindCertificate(ctx, "ABCDE12345", codesign.CertificateAppleDistribution, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	profiles := codesign.NewProfileRegistry("", nil, log)
//	p, err := profiles.FindProfile(ctx, "com.acme.app", codesign.ProfileAppStore, id.TeamID)
//
// # Features
//
//   - Identity listing parsed from `security find-identity`, details from the certificate itself
//   - Provisioning profiles decoded in-process (PKCS#7) or with `security cms`
//   - Wildcard bundle id matching with exact matches preferred
//   - Atomic profile installation that can be undone
//   - Signature inspection of built .app bundles and IPAs
package codesign
