package token

import (
	"bytes"
	encasn1 "encoding/asn1"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// ScalarSize is the length of a P-256 private scalar
const ScalarSize = 32

var (
	oidECPublicKey = encasn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidP256        = encasn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
)

// ParsePrivateKey extracts the P-256 private scalar from key material as App
// Store Connect hands it out (a PKCS#8 .p8 file). PEM armor and whitespace
// are ignored. SEC1 ECPrivateKey DER and a bare 32-byte scalar are accepted
// too. The result is always ScalarSize bytes.
func ParsePrivateKey(material string) ([]byte, error) {
	var b64 strings.Builder
	for _, line := range strings.Split(material, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-----") {
			continue
		}
		b64.WriteString(strings.Join(strings.Fields(line), ""))
	}
	der, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base64: %v", ErrTokenGeneration, err)
	}
	return scalarFromDER(der)
}

func scalarFromDER(der []byte) ([]byte, error) {
	if len(der) == ScalarSize {
		return der, nil
	}

	input := cryptobyte.String(der)
	var seq cryptobyte.String
	var version int64
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !seq.ReadASN1Integer(&version) {
		return nil, fmt.Errorf("%w: private key is not a DER sequence", ErrTokenGeneration)
	}

	switch {
	case seq.PeekASN1Tag(asn1.SEQUENCE):
		return pkcs8Scalar(seq, version)
	case seq.PeekASN1Tag(asn1.OCTET_STRING):
		return sec1Scalar(seq, version)
	}
	return nil, fmt.Errorf("%w: unrecognized private key structure", ErrTokenGeneration)
}

// pkcs8Scalar reads the remainder of a PrivateKeyInfo:
// SEQUENCE { version, AlgorithmIdentifier, OCTET STRING ECPrivateKey, ... }
func pkcs8Scalar(seq cryptobyte.String, version int64) ([]byte, error) {
	if version != 0 {
		return nil, fmt.Errorf("%w: unsupported PKCS#8 version %d", ErrTokenGeneration, version)
	}

	var algID, wrapped cryptobyte.String
	var alg encasn1.ObjectIdentifier
	if !seq.ReadASN1(&algID, asn1.SEQUENCE) || !algID.ReadASN1ObjectIdentifier(&alg) {
		return nil, fmt.Errorf("%w: malformed PKCS#8 algorithm identifier", ErrTokenGeneration)
	}
	if !alg.Equal(oidECPublicKey) {
		return nil, fmt.Errorf("%w: PKCS#8 key is not an EC key (%s)", ErrTokenGeneration, alg)
	}
	if algID.PeekASN1Tag(asn1.OBJECT_IDENTIFIER) {
		var curve encasn1.ObjectIdentifier
		if !algID.ReadASN1ObjectIdentifier(&curve) || !curve.Equal(oidP256) {
			return nil, fmt.Errorf("%w: EC key is not on P-256", ErrTokenGeneration)
		}
	}
	if !seq.ReadASN1(&wrapped, asn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: PKCS#8 key has no private key octets", ErrTokenGeneration)
	}

	var ecKey cryptobyte.String
	var ecVersion int64
	if !wrapped.ReadASN1(&ecKey, asn1.SEQUENCE) || !ecKey.ReadASN1Integer(&ecVersion) {
		return nil, fmt.Errorf("%w: malformed ECPrivateKey", ErrTokenGeneration)
	}
	return sec1Scalar(ecKey, ecVersion)
}

// sec1Scalar reads the private octets of an ECPrivateKey:
// SEQUENCE { INTEGER 1, OCTET STRING privateKey, [0] params, [1] publicKey }
func sec1Scalar(seq cryptobyte.String, version int64) ([]byte, error) {
	if version != 1 {
		return nil, fmt.Errorf("%w: unsupported ECPrivateKey version %d", ErrTokenGeneration, version)
	}
	var priv cryptobyte.String
	if !seq.ReadASN1(&priv, asn1.OCTET_STRING) {
		return nil, fmt.Errorf("%w: ECPrivateKey has no private key octets", ErrTokenGeneration)
	}
	scalar := bytes.TrimLeft(priv, "\x00")
	if len(scalar) == 0 || len(scalar) > ScalarSize {
		return nil, fmt.Errorf("%w: private scalar is %d bytes", ErrTokenGeneration, len(priv))
	}
	return leftPad(scalar, ScalarSize), nil
}

func leftPad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
