package token

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
)

// Provider performs the ES256 primitive: SHA-256 over message, then ECDSA
// P-256 with the given private scalar. The signature is ASN.1 DER.
type Provider interface {
	SignES256(scalar, message []byte) ([]byte, error)
}

// ECDSAProvider implements Provider with crypto/ecdsa
type ECDSAProvider struct {
	// Rand defaults to crypto/rand.Reader
	Rand io.Reader
}

// SignES256 implements Provider
func (p ECDSAProvider) SignES256(scalar, message []byte) ([]byte, error) {
	priv, err := PrivateKeyFromScalar(scalar)
	if err != nil {
		return nil, err
	}
	r := p.Rand
	if r == nil {
		r = rand.Reader
	}
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(r, priv, digest[:])
}

// PrivateKeyFromScalar builds a P-256 key pair from a 32-byte private scalar
func PrivateKeyFromScalar(scalar []byte) (*ecdsa.PrivateKey, error) {
	k, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid P-256 private key: %v", ErrTokenGeneration, err)
	}
	pub := k.PublicKey().Bytes() // 0x04 ‖ X ‖ Y
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1 : 1+ScalarSize]),
			Y:     new(big.Int).SetBytes(pub[1+ScalarSize:]),
		},
		D: new(big.Int).SetBytes(scalar),
	}, nil
}
