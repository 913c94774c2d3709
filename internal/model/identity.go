package model

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrUnknownPreKey = errors.New("unknown pre-key")
)

// Identity is the local actor's long-term key material. It never leaves the
// process except through the local identity repository.
type Identity struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Name        string             `bson:"name" json:"name"`
	DID         string             `bson:"did" json:"did"`
	IdentityKey []byte             `bson:"identity_key" json:"identityKey"` // ed25519 private
	ExchangeKey []byte             `bson:"exchange_key" json:"exchangeKey"` // x25519 private
	AuthKey     []byte             `bson:"auth_key" json:"authKey"`         // P-256 ECDH private

	// PreKeys maps an encoded X25519 pre-key public to its private half.
	PreKeys map[string][]byte `bson:"pre_keys" json:"preKeys"`

	Document *DIDDocument `bson:"document" json:"document"`
}

func (i *Identity) SigningKey() ed25519.PrivateKey {
	return ed25519.PrivateKey(i.IdentityKey)
}

func (i *Identity) ExchangePrivate() ([32]byte, error) {
	var k [32]byte
	if len(i.ExchangeKey) != 32 {
		return k, fmt.Errorf("exchange key: want 32 bytes, got %d", len(i.ExchangeKey))
	}
	copy(k[:], i.ExchangeKey)
	return k, nil
}

func (i *Identity) PreKeyPrivate(preKey string) ([32]byte, error) {
	var k [32]byte
	raw, ok := i.PreKeys[preKey]
	if !ok || len(raw) != 32 {
		return k, ErrUnknownPreKey
	}
	copy(k[:], raw)
	return k, nil
}

func (i *Identity) AuthPrivate() (*ecdh.PrivateKey, error) {
	return ecdh.P256().NewPrivateKey(i.AuthKey)
}

// EndpointFor returns the identity's own endpoint descriptor at url.
func (i *Identity) EndpointFor(url string) (Endpoint, bool) {
	if i.Document == nil {
		return Endpoint{}, false
	}
	for _, ep := range i.Document.Endpoints {
		if ep.URL == url {
			return ep, true
		}
	}
	return Endpoint{}, false
}
