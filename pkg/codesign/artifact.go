package codesign

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Code signature blob constants
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csSlotCodeDirectory      = 0
	csSlotCMSSignature       = 0x10000
	fatMagic                 = 0xcafebabe
)

// ArtifactInfo describes the signature of a built .app or .ipa
type ArtifactInfo struct {
	Path       string
	BundleID   string
	Executable string

	// From the main executable's CodeDirectory
	Identifier string
	TeamID     string

	// From the CMS signature blob
	SignerCommonName string
	SignerSHA1       string

	// Embedded provisioning profile, nil when the bundle carries none
	Profile *ProvisioningProfile
}

type bundleInfo struct {
	BundleID   string `plist:"CFBundleIdentifier"`
	Executable string `plist:"CFBundleExecutable"`
}

// bundleLayout is where an iOS or macOS bundle keeps the files we read
type bundleLayout struct {
	infoPlist string
	execDir   string
	profile   string
}

var (
	iosLayout = bundleLayout{infoPlist: "Info.plist", execDir: ".", profile: "embedded.mobileprovision"}
	macLayout = bundleLayout{infoPlist: "Contents/Info.plist", execDir: "Contents/MacOS", profile: "Contents/embedded.provisionprofile"}
)

// ReadArtifact reads the signing information of an .app bundle directory or
// an .ipa archive. IPAs are read in place without extraction.
func ReadArtifact(artifactPath string) (*ArtifactInfo, error) {
	st, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	if st.IsDir() {
		return readBundle(os.DirFS(artifactPath), artifactPath)
	}

	zr, err := zip.OpenReader(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open IPA: %w", err)
	}
	defer zr.Close()

	appDir, err := findAppBundle(zr)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(zr, appDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", appDir, err)
	}
	return readBundle(sub, artifactPath)
}

// findAppBundle locates the .app directory inside an IPA's Payload
func findAppBundle(fsys fs.FS) (string, error) {
	entries, err := fs.ReadDir(fsys, "Payload")
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return path.Join("Payload", entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no .app bundle found in Payload directory")
}

func readBundle(fsys fs.FS, artifactPath string) (*ArtifactInfo, error) {
	layout := iosLayout
	if _, err := fs.Stat(fsys, macLayout.infoPlist); err == nil {
		layout = macLayout
	}

	infoData, err := fs.ReadFile(fsys, layout.infoPlist)
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	var info bundleInfo
	if _, err := plist.Unmarshal(infoData, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse Info.plist: %v", ErrParse, err)
	}
	if info.Executable == "" {
		return nil, fmt.Errorf("%w: CFBundleExecutable not found in Info.plist", ErrParse)
	}

	out := &ArtifactInfo{
		Path:       artifactPath,
		BundleID:   info.BundleID,
		Executable: info.Executable,
	}

	if data, err := fs.ReadFile(fsys, layout.profile); err == nil {
		profile, err := ParseProvisioningProfile(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded provisioning profile: %w", err)
		}
		out.Profile = profile
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read embedded provisioning profile: %w", err)
	}

	bin, err := fs.ReadFile(fsys, path.Join(layout.execDir, info.Executable))
	if err != nil {
		return nil, fmt.Errorf("failed to read executable: %w", err)
	}
	sig, err := codeSignatureBlob(bin)
	if err != nil {
		return nil, err
	}
	if err := out.readSignature(sig); err != nil {
		return nil, err
	}
	return out, nil
}

// codeSignatureBlob returns the embedded signature of a thin Mach-O, or of
// the first slice of a universal binary
func codeSignatureBlob(data []byte) ([]byte, error) {
	slice := data
	if len(data) >= 4 && binary.BigEndian.Uint32(data[:4]) == fatMagic {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse universal binary: %w", err)
		}
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return nil, fmt.Errorf("universal binary has no architectures")
		}
		arch := fat.Arches[0]
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("architecture slice extends beyond file")
		}
		slice = data[arch.Offset:end]
	}

	m, err := macho.NewFile(bytes.NewReader(slice))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	for _, load := range m.Loads {
		cs, ok := load.(*macho.CodeSignature)
		if !ok {
			continue
		}
		end := uint64(cs.Offset) + uint64(cs.Size)
		if end > uint64(len(slice)) {
			return nil, fmt.Errorf("code signature extends beyond file")
		}
		return slice[cs.Offset:end], nil
	}
	return nil, fmt.Errorf("no code signature found")
}

// readSignature walks the SuperBlob index for the CodeDirectory and the CMS
// blob
func (a *ArtifactInfo) readSignature(sig []byte) error {
	if len(sig) < 12 || binary.BigEndian.Uint32(sig[0:4]) != csMagicEmbeddedSignature {
		return fmt.Errorf("%w: invalid code signature SuperBlob", ErrParse)
	}

	count := binary.BigEndian.Uint32(sig[8:12])
	if uint64(len(sig)) < 12+uint64(count)*8 {
		return fmt.Errorf("%w: code signature index truncated", ErrParse)
	}

	for i := uint32(0); i < count; i++ {
		entry := 12 + i*8
		slot := binary.BigEndian.Uint32(sig[entry:])
		offset := binary.BigEndian.Uint32(sig[entry+4:])
		if uint64(offset)+8 > uint64(len(sig)) {
			continue
		}
		size := binary.BigEndian.Uint32(sig[offset+4:])
		if uint64(offset)+uint64(size) > uint64(len(sig)) {
			continue
		}
		blob := sig[offset : offset+size]

		switch slot {
		case csSlotCodeDirectory:
			a.Identifier, a.TeamID = parseCodeDirectory(blob)
		case csSlotCMSSignature:
			a.readCMS(blob)
		}
	}

	if a.Identifier == "" {
		return fmt.Errorf("%w: code signature has no CodeDirectory", ErrParse)
	}
	return nil
}

// parseCodeDirectory returns the identifier and, for version 0x20200 and
// later, the team id
func parseCodeDirectory(data []byte) (identifier, teamID string) {
	if len(data) < 44 || binary.BigEndian.Uint32(data[0:4]) != csMagicCodeDirectory {
		return "", ""
	}
	version := binary.BigEndian.Uint32(data[8:12])
	identifier = cString(data, binary.BigEndian.Uint32(data[20:24]))
	if version >= 0x20200 && len(data) >= 52 {
		if off := binary.BigEndian.Uint32(data[48:52]); off > 0 {
			teamID = cString(data, off)
		}
	}
	return identifier, teamID
}

func cString(data []byte, offset uint32) string {
	if offset >= uint32(len(data)) {
		return ""
	}
	end := offset
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[offset:end])
}

// readCMS records the signer certificate of the detached CMS signature
func (a *ArtifactInfo) readCMS(blob []byte) {
	if len(blob) <= 8 {
		return
	}
	p7, err := pkcs7.Parse(blob[8:])
	if err != nil {
		return
	}
	cert := p7.GetOnlySigner()
	if cert == nil {
		return
	}
	a.SignerCommonName = cert.Subject.CommonName
	a.SignerSHA1, _ = fingerprints(cert.Raw)
}
