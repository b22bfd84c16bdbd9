package token

import (
	"bytes"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SignatureSize is the length of an ES256 JWS signature, r‖s
const SignatureSize = 2 * ScalarSize

// DERToP1363 converts an ASN.1 ECDSA signature, SEQUENCE { INTEGER r,
// INTEGER s }, into the fixed-width r‖s form JWS requires. Each integer
// loses its sign-padding zeros and is left-padded to 32 bytes.
//
// Input that is not such a sequence, or whose integers do not fit 32 bytes,
// is returned unchanged; callers detect it by its length.
func DERToP1363(der []byte) []byte {
	input := cryptobyte.String(der)
	var seq, r, s cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) ||
		!seq.ReadASN1(&r, asn1.INTEGER) ||
		!seq.ReadASN1(&s, asn1.INTEGER) {
		return der
	}

	rb := bytes.TrimLeft(r, "\x00")
	sb := bytes.TrimLeft(s, "\x00")
	if len(rb) > ScalarSize || len(sb) > ScalarSize {
		return der
	}

	out := make([]byte, SignatureSize)
	copy(out[ScalarSize-len(rb):ScalarSize], rb)
	copy(out[SignatureSize-len(sb):], sb)
	return out
}
