package codesign

import (
	"context"
	"fmt"
	"os"

	"go.mozilla.org/pkcs7"

	"github.com/aluedeke/go-signkit/pkg/shell"
)

// Decoder unwraps the CMS envelope of a provisioning profile file and
// returns the plaintext property list it signs
type Decoder interface {
	DecodeFile(ctx context.Context, path string) ([]byte, error)
}

// PKCS7Decoder decodes profiles in-process. It works on any platform.
type PKCS7Decoder struct{}

// DecodeFile implements Decoder
func (PKCS7Decoder) DecodeFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return DecodeCMS(data)
}

// DecodeCMS returns the content of a CMS/PKCS#7 signed container
func DecodeCMS(data []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse PKCS#7 container: %v", ErrParse, err)
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("%w: PKCS#7 container has no content", ErrParse)
	}
	return p7.Content, nil
}

// SecurityCMSDecoder decodes profiles with `security cms -D`, matching what
// Xcode itself trusts on macOS
type SecurityCMSDecoder struct {
	Shell shell.Gateway
}

// DecodeFile implements Decoder
func (d SecurityCMSDecoder) DecodeFile(ctx context.Context, path string) ([]byte, error) {
	res, err := d.Shell.Run(ctx, shell.Command{Name: "security", Args: []string{"cms", "-D", "-i", path}})
	if err != nil {
		return nil, shell.Wrap("decode "+path, ErrParse, err)
	}
	if res.Failed() {
		return nil, shell.CommandError("decode "+path, ErrParse, res)
	}
	return []byte(res.Stdout), nil
}

// ParseProvisioningProfile parses a .mobileprovision file
// The file is a CMS (PKCS#7) signed container with a plist payload
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	payload, err := DecodeCMS(data)
	if err != nil {
		return nil, err
	}
	return DecodeProfilePayload(payload)
}
