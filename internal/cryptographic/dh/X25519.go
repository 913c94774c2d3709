package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// NewX25519KeyPair generates a new X25519 key pair.
func NewX25519KeyPair() (priv, pub [32]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// X25519Public recomputes the public half of priv.
func X25519Public(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// X25519SharedSecret performs X25519 scalar multiplication: priv * pub.
func X25519SharedSecret(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// ConvertToECDHFormat wraps a raw X25519 key for the crypto/ecdh and x509 APIs.
func ConvertToECDHFormat(privKey []byte) (*ecdh.PrivateKey, error) {
	return ecdh.X25519().NewPrivateKey(privKey)
}

func ConvertPublicToECDHFormat(pub [32]byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(pub[:])
}
