package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

func NewEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privKeyBytes), message)
}

// ED25519Verify reports false for malformed keys instead of panicking.
func ED25519Verify(pubKeyBytes []byte, message []byte, signature []byte) bool {
	if len(pubKeyBytes) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, signature)
}
