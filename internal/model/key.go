package model

import (
	"encoding/base64"
	"encoding/hex"
)

const (
	KeyAlgorithmECDHP256      = "ECDH-P256"
	EncryptionAlgorithmAESGCM = "AES-GCM-256"
	ChallengeEncodingBase64   = "base64"
	ChallengeEncodingHex      = "hex"
)

type (
	// EndpointConfig describes a secure message endpoint (relay) and how to
	// authenticate against it.
	EndpointConfig struct {
		URL                 string `json:"url"`
		PublicKey           string `json:"publicKey"`
		KeyAlgorithm        string `json:"keyAlgorithm"`
		EncryptionAlgorithm string `json:"encryptionAlgorithm"`
		ChallengeEncoding   string `json:"challengeEncoding"`
	}
)

// WithDefaults fills unset algorithm fields.
func (c EndpointConfig) WithDefaults() EndpointConfig {
	if c.KeyAlgorithm == "" {
		c.KeyAlgorithm = KeyAlgorithmECDHP256
	}
	if c.EncryptionAlgorithm == "" {
		c.EncryptionAlgorithm = EncryptionAlgorithmAESGCM
	}
	if c.ChallengeEncoding == "" {
		c.ChallengeEncoding = ChallengeEncodingBase64
	}
	return c
}

// ChallengeInfo is the HKDF info for the endpoint challenge key.
var ChallengeInfo = []byte("improto/endpoint/challenge")

// EncodeChallenge renders a decrypted challenge in the configured encoding.
func (c EndpointConfig) EncodeChallenge(b []byte) string {
	if c.ChallengeEncoding == ChallengeEncodingHex {
		return hex.EncodeToString(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func (c EndpointConfig) DecodeChallenge(s string) ([]byte, error) {
	if c.ChallengeEncoding == ChallengeEncodingHex {
		return hex.DecodeString(s)
	}
	return base64.StdEncoding.DecodeString(s)
}
