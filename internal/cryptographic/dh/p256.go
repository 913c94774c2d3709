package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"improto/internal/cryptographic/kdf"
)

// SymmetricKeySize is the AES-256 key length produced by DeriveSymmetricKey.
const SymmetricKeySize = 32

// NewP256KeyPair generates the key pair used to authenticate against an endpoint.
func NewP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
	}
	return priv, nil
}

// DeriveSymmetricKey runs ECDH between priv and pub and stretches the result
// with HKDF-SHA256 into an AES-256 key. Both sides of an exchange obtain the
// same key for the same info.
func DeriveSymmetricKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey, info []byte) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key := make([]byte, SymmetricKeySize)
	if _, err := kdf.HKDF(shared, nil, info, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
