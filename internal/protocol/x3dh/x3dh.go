// Package x3dh derives the initial shared secret between a session
// initiator and the owner of a published pre-key.
package x3dh

import (
	"errors"

	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/kdf"
	"improto/internal/model"
)

var ErrKeySize = errors.New("x3dh: keys must be 32 bytes")

var info = []byte("improto/x3dh")

type (
	X3DHBase struct{}

	X3DHSender struct {
		X3DHBase
	}

	X3DHReceiver struct {
		X3DHBase
	}
)

// GenerateShareKey mixes the DH outputs into a 32 byte secret. dh4 is
// optional and only present when a one-time pre-key was used.
func (X3DHBase) GenerateShareKey(dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1...)
	concat = append(concat, dh2...)
	concat = append(concat, dh3...)
	concat = append(concat, dh4...)
	return kdf.Derive(concat, make([]byte, 32), info, 32)
}

func agree(priv, pub []byte) ([]byte, error) {
	if len(priv) != 32 || len(pub) != 32 {
		return nil, ErrKeySize
	}
	return dh.X25519SharedSecret([32]byte(priv), [32]byte(pub))
}

func (s *X3DHSender) GenerateShareKey(k *model.InitiatorKeys) ([]byte, error) {
	dh1, err := agree(k.IdentityPriv, k.PeerPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := agree(k.EphemeralPriv, k.PeerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := agree(k.EphemeralPriv, k.PeerPreKey)
	if err != nil {
		return nil, err
	}
	var dh4 []byte
	if k.PeerOneTime != nil {
		if dh4, err = agree(k.EphemeralPriv, k.PeerOneTime); err != nil {
			return nil, err
		}
	}
	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4)
}

func (s *X3DHReceiver) GenerateShareKey(k *model.ResponderKeys) ([]byte, error) {
	dh1, err := agree(k.PreKeyPriv, k.PeerIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := agree(k.IdentityPriv, k.PeerEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := agree(k.PreKeyPriv, k.PeerEphemeral)
	if err != nil {
		return nil, err
	}
	var dh4 []byte
	if k.OneTimePriv != nil {
		if dh4, err = agree(k.OneTimePriv, k.PeerEphemeral); err != nil {
			return nil, err
		}
	}
	return s.X3DHBase.GenerateShareKey(dh1, dh2, dh3, dh4)
}
