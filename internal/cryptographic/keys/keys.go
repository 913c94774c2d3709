// Package keys encodes keys and hashes the way they appear in DID documents
// and on the wire: SPKI DER, unpadded base64url.
package keys

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"improto/internal/cryptographic/signature"
)

var (
	ErrKeyType          = errors.New("unexpected key type")
	ErrInvalidSignature = errors.New("invalid signature")
)

var encoding = base64.RawURLEncoding

func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

func Decode(s string) ([]byte, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return b, nil
}

// SHA256Hex returns the lowercase hex SHA-256 of b (64 chars).
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Thumbprint is the encoded SHA-256 of an encoded key's DER bytes.
func Thumbprint(encodedKey string) (string, error) {
	der, err := Decode(encodedKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return Encode(sum[:]), nil
}

func export(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return Encode(der), nil
}

func parse(s string) (any, error) {
	der, err := Decode(s)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

func ExportEd25519(pub ed25519.PublicKey) (string, error) {
	return export(pub)
}

func ImportEd25519(s string) (ed25519.PublicKey, error) {
	pub, err := parse(s)
	if err != nil {
		return nil, err
	}
	k, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T, want ed25519", ErrKeyType, pub)
	}
	return k, nil
}

func ExportX25519(pub [32]byte) (string, error) {
	k, err := ecdh.X25519().NewPublicKey(pub[:])
	if err != nil {
		return "", err
	}
	return export(k)
}

func ImportX25519(s string) ([32]byte, error) {
	var out [32]byte
	pub, err := parse(s)
	if err != nil {
		return out, err
	}
	k, ok := pub.(*ecdh.PublicKey)
	if !ok || k.Curve() != ecdh.X25519() {
		return out, fmt.Errorf("%w: %T, want x25519", ErrKeyType, pub)
	}
	copy(out[:], k.Bytes())
	return out, nil
}

// ExportP256 encodes an ECDH P-256 public key.
func ExportP256(pub *ecdh.PublicKey) (string, error) {
	if pub.Curve() != ecdh.P256() {
		return "", fmt.Errorf("%w: want P-256", ErrKeyType)
	}
	return export(pub)
}

// ImportP256 accepts a P-256 SPKI key; x509 hands those back as ECDSA keys.
func ImportP256(s string) (*ecdh.PublicKey, error) {
	pub, err := parse(s)
	if err != nil {
		return nil, err
	}
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.ECDH()
	case *ecdh.PublicKey:
		if k.Curve() == ecdh.P256() {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %T, want P-256", ErrKeyType, pub)
}

// Sign returns the encoded signature of data.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return Encode(signature.ED25519Sign(priv, data))
}

// Verify checks an encoded signature against an encoded identity key.
func Verify(identityKey string, data []byte, sig string) bool {
	pub, err := ImportEd25519(identityKey)
	if err != nil {
		return false
	}
	raw, err := Decode(sig)
	if err != nil {
		return false
	}
	return signature.ED25519Verify(pub, data, raw)
}

// SignKey signs the DER bytes of an encoded key.
func SignKey(priv ed25519.PrivateKey, encodedKey string) (string, error) {
	der, err := Decode(encodedKey)
	if err != nil {
		return "", err
	}
	return Sign(priv, der), nil
}

func VerifyKey(identityKey, encodedKey, sig string) error {
	der, err := Decode(encodedKey)
	if err != nil {
		return err
	}
	if !Verify(identityKey, der, sig) {
		return ErrInvalidSignature
	}
	return nil
}
