package ci

import (
	"fmt"
	"os"

	"howett.net/plist"

	"github.com/aluedeke/go-signkit/pkg/codesign"
)

// ExportOptions is the content of the ExportOptions.plist handed to
// xcodebuild -exportArchive
type ExportOptions struct {
	Method               string            `plist:"method,omitempty"`
	TeamID               string            `plist:"teamID,omitempty"`
	SigningStyle         string            `plist:"signingStyle,omitempty"`
	SigningCertificate   string            `plist:"signingCertificate,omitempty"`
	ProvisioningProfiles map[string]string `plist:"provisioningProfiles,omitempty"`
}

// buildExportOptions derives export options from the chosen certificate and
// the installed profiles. The method comes from the first profile; a later
// profile for the same bundle id replaces an earlier one in the map.
func buildExportOptions(cert *codesign.SigningIdentity, profiles []*codesign.ProvisioningProfile) (ExportOptions, bool) {
	opts := ExportOptions{
		SigningStyle:         "manual",
		ProvisioningProfiles: make(map[string]string, len(profiles)),
	}
	if cert != nil {
		opts.TeamID = cert.TeamID
		opts.SigningCertificate = cert.CommonName
	}

	mixed := false
	for i, p := range profiles {
		if i == 0 {
			opts.Method = p.ExportMethod()
		} else if p.ExportMethod() != opts.Method {
			mixed = true
		}
		opts.ProvisioningProfiles[p.BundleID] = p.Name
	}
	return opts, mixed
}

// Marshal renders the options as an XML property list
func (o ExportOptions) Marshal() ([]byte, error) {
	data, err := plist.MarshalIndent(o, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export options: %w", err)
	}
	return data, nil
}

// WritePlist writes the options to path
func (o ExportOptions) WritePlist(path string) error {
	data, err := o.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export options: %w", err)
	}
	return nil
}
