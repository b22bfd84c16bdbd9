package codesign

import (
	"archive/zip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/go-signkit/pkg/codesign/codesigntest"
)

// codeDirectory builds a CodeDirectory header carrying only the fields the
// reader looks at
func codeDirectory(version uint32, identifier, teamID string) []byte {
	cd := make([]byte, 52)
	binary.BigEndian.PutUint32(cd[0:], csMagicCodeDirectory)
	binary.BigEndian.PutUint32(cd[8:], version)
	binary.BigEndian.PutUint32(cd[20:], uint32(len(cd)))
	cd = append(cd, identifier...)
	cd = append(cd, 0)
	if teamID != "" {
		binary.BigEndian.PutUint32(cd[48:], uint32(len(cd)))
		cd = append(cd, teamID...)
		cd = append(cd, 0)
	}
	binary.BigEndian.PutUint32(cd[4:], uint32(len(cd)))
	return cd
}

func cmsBlob(cms []byte) []byte {
	blob := make([]byte, 8, 8+len(cms))
	binary.BigEndian.PutUint32(blob[0:], 0xfade0b01)
	binary.BigEndian.PutUint32(blob[4:], uint32(8+len(cms)))
	return append(blob, cms...)
}

// superBlob lays out blobs behind an index of (slot, offset) entries
func superBlob(slots []uint32, blobs [][]byte) []byte {
	header := 12 + 8*len(slots)
	out := make([]byte, header)
	binary.BigEndian.PutUint32(out[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(out[8:], uint32(len(slots)))
	for i, slot := range slots {
		binary.BigEndian.PutUint32(out[12+i*8:], slot)
		binary.BigEndian.PutUint32(out[16+i*8:], uint32(len(out)))
		out = append(out, blobs[i]...)
	}
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	return out
}

func TestReadSignature(t *testing.T) {
	cert := codesigntest.Certificate(t, codesigntest.CertOptions{CommonName: "Apple Distribution: Acme Inc (ABCDE12345)", TeamID: "ABCDE12345"})
	cd := codeDirectory(0x20400, "com.acme.app", "ABCDE12345")
	cms := codesigntest.SignDetached(t, cert, cd)

	sig := superBlob(
		[]uint32{csSlotCodeDirectory, 2, csSlotCMSSignature},
		[][]byte{cd, {0xfa, 0xde, 0x0c, 0x01, 0, 0, 0, 8}, cmsBlob(cms)},
	)

	var info ArtifactInfo
	require.NoError(t, info.readSignature(sig))
	assert.Equal(t, "com.acme.app", info.Identifier)
	assert.Equal(t, "ABCDE12345", info.TeamID)
	assert.Equal(t, cert.Subject.CommonName, info.SignerCommonName)
	sha1, _ := fingerprints(cert.Raw)
	assert.Equal(t, sha1, info.SignerSHA1)
}

func TestReadSignatureOldCodeDirectoryHasNoTeam(t *testing.T) {
	cd := codeDirectory(0x20100, "com.acme.app", "")
	var info ArtifactInfo
	require.NoError(t, info.readSignature(superBlob([]uint32{csSlotCodeDirectory}, [][]byte{cd})))
	assert.Equal(t, "com.acme.app", info.Identifier)
	assert.Empty(t, info.TeamID)
	assert.Empty(t, info.SignerSHA1)
}

func TestReadSignatureRejectsGarbage(t *testing.T) {
	var info ArtifactInfo
	assert.ErrorIs(t, info.readSignature([]byte{1, 2, 3}), ErrParse)
	assert.ErrorIs(t, info.readSignature(superBlob(nil, nil)), ErrParse)

	truncated := superBlob([]uint32{csSlotCodeDirectory}, [][]byte{codeDirectory(0x20400, "x", "")})
	binary.BigEndian.PutUint32(truncated[8:], 1000)
	assert.ErrorIs(t, info.readSignature(truncated), ErrParse)
}

func writeBundle(t *testing.T, dir string, executable []byte, profile []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	info, err := plist.Marshal(map[string]string{
		"CFBundleIdentifier": "com.acme.app",
		"CFBundleExecutable": "Acme",
	}, plist.XMLFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Info.plist"), info, 0644))
	if executable != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Acme"), executable, 0755))
	}
	if profile != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "embedded.mobileprovision"), profile, 0644))
	}
}

func TestReadArtifactBundleErrors(t *testing.T) {
	_, err := ReadArtifact(filepath.Join(t.TempDir(), "missing.app"))
	assert.Error(t, err)

	noExec := filepath.Join(t.TempDir(), "Acme.app")
	writeBundle(t, noExec, nil, nil)
	_, err = ReadArtifact(noExec)
	assert.ErrorContains(t, err, "failed to read executable")

	notMachO := filepath.Join(t.TempDir(), "Acme.app")
	writeBundle(t, notMachO, []byte("#!/bin/sh\necho hi\n"), codesigntest.Profile(t, codesigntest.ProfileOptions{}))
	_, err = ReadArtifact(notMachO)
	assert.ErrorContains(t, err, "Mach-O")

	badProfile := filepath.Join(t.TempDir(), "Acme.app")
	writeBundle(t, badProfile, []byte("x"), []byte("not a profile"))
	_, err = ReadArtifact(badProfile)
	assert.ErrorIs(t, err, ErrParse)
}

func TestReadArtifactIPAWithoutApp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Acme.ipa")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("Payload/readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("no app here"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = ReadArtifact(path)
	assert.ErrorContains(t, err, "no .app bundle")
}

func TestReadArtifactIPAFindsBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Acme.ipa")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	info, err := plist.Marshal(map[string]string{"CFBundleIdentifier": "com.acme.app", "CFBundleExecutable": "Acme"}, plist.XMLFormat)
	require.NoError(t, err)
	for name, data := range map[string][]byte{
		"Payload/Acme.app/Info.plist": info,
		"Payload/Acme.app/Acme":       []byte("not mach-o"),
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	// the bundle is found and read in place; the fake executable is what fails
	_, err = ReadArtifact(path)
	assert.ErrorContains(t, err, "Mach-O")
}
