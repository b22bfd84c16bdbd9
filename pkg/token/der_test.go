package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	encasn1 "encoding/asn1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func derSignature(t *testing.T, r, s *big.Int) []byte {
	t.Helper()
	der, err := encasn1.Marshal(struct{ R, S *big.Int }{r, s})
	require.NoError(t, err)
	return der
}

// intOfLen returns a positive integer whose minimal encoding is n bytes with
// the top bit set, so DER needs a sign-padding zero
func intOfLen(n int) *big.Int {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0x11 * (i%15 + 1))
	}
	b[0] = 0xff
	return new(big.Int).SetBytes(b)
}

func TestDERToP1363Widths(t *testing.T) {
	for rl := 1; rl <= ScalarSize; rl++ {
		for _, sl := range []int{1, rl, ScalarSize} {
			r, s := intOfLen(rl), intOfLen(sl)
			got := DERToP1363(derSignature(t, r, s))
			require.Len(t, got, SignatureSize, "r=%d s=%d", rl, sl)
			assert.Equal(t, 0, r.Cmp(new(big.Int).SetBytes(got[:ScalarSize])), "r=%d s=%d", rl, sl)
			assert.Equal(t, 0, s.Cmp(new(big.Int).SetBytes(got[ScalarSize:])), "r=%d s=%d", rl, sl)
		}
	}
}

func TestDERToP1363SmallValues(t *testing.T) {
	got := DERToP1363(derSignature(t, big.NewInt(1), big.NewInt(0x7f)))
	want := make([]byte, SignatureSize)
	want[ScalarSize-1] = 1
	want[SignatureSize-1] = 0x7f
	assert.Equal(t, want, got)
}

func TestDERToP1363Oversized(t *testing.T) {
	der := derSignature(t, intOfLen(33), intOfLen(4))
	assert.Equal(t, der, DERToP1363(der))
}

func TestDERToP1363NotASequence(t *testing.T) {
	for _, in := range [][]byte{
		nil,
		{0x02, 0x01, 0x01},
		{0x31, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01},
		{0x30, 0x06, 0x02, 0x01, 0x01, 0x04, 0x01, 0x01},
		{0x30, 0x20, 0x02},
	} {
		assert.Equal(t, in, DERToP1363(in))
	}
}

func TestDERToP1363VerifiesAsRaw(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("header.payload"))

	for i := 0; i < 32; i++ {
		der, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
		require.NoError(t, err)
		raw := DERToP1363(der)
		require.Len(t, raw, SignatureSize)

		r := new(big.Int).SetBytes(raw[:ScalarSize])
		s := new(big.Int).SetBytes(raw[ScalarSize:])
		assert.True(t, ecdsa.Verify(&priv.PublicKey, digest[:], r, s))
		assert.Equal(t, der, derSignature(t, r, s))
	}
}
