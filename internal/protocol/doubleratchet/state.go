package doubleratchet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/encryption"
	"improto/internal/model"
)

const MaxSkip = 1000

var (
	ErrNoRemoteKey    = errors.New("remote ratchet key not set")
	ErrNoChainKey     = errors.New("no receiving chain key")
	ErrSkipLimit      = errors.New("skipped message limit exceeded")
	ErrDecryptMessage = errors.New("message authentication failed")
)

func headerToAAD(ad []byte, h model.Header) []byte {
	b := make([]byte, len(ad)+32+4+4)
	n := copy(b, ad)
	copy(b[n:n+32], h.Pub[:])
	binary.BigEndian.PutUint32(b[n+32:n+36], h.MsgNum)
	binary.BigEndian.PutUint32(b[n+36:n+40], h.Prev)
	return b
}

func skippedKey(pub [32]byte, msgNum uint32) string {
	return hex.EncodeToString(pub[:]) + ":" + fmt.Sprint(msgNum)
}

// RatchetState is serialisable as JSON so it can be persisted between
// processes.
type RatchetState struct {
	RootKey []byte

	// our current sending ratchet pair
	DHsPriv [32]byte
	DHsPub  [32]byte

	// remote party's current ratchet public key
	DHr [32]byte

	SendingChainKey   []byte // CKs
	ReceivingChainKey []byte // CKr
	Ns                uint32 // messages sent in current sending chain
	Nr                uint32 // messages received in current receiving chain
	PN                uint32 // previous sending chain length

	// skipped message keys, "<pub hex>:<n>" => message key
	Skipped map[string][]byte
}

func NewState(rootKey []byte, ourPriv, ourPub, theirPub [32]byte) *RatchetState {
	return &RatchetState{
		RootKey: rootKey,
		DHsPriv: ourPriv,
		DHsPub:  ourPub,
		DHr:     theirPub,
		Skipped: make(map[string][]byte),
	}
}

func (s *RatchetState) Clone() *RatchetState {
	cp := *s
	cp.RootKey = append([]byte(nil), s.RootKey...)
	if s.SendingChainKey != nil {
		cp.SendingChainKey = append([]byte(nil), s.SendingChainKey...)
	}
	if s.ReceivingChainKey != nil {
		cp.ReceivingChainKey = append([]byte(nil), s.ReceivingChainKey...)
	}
	cp.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		cp.Skipped[k] = v
	}
	return &cp
}

// InitiateSendingRatchet starts a new sending chain from a fresh DH pair and
// the current remote ratchet key.
func (s *RatchetState) InitiateSendingRatchet() error {
	if s.DHr == ([32]byte{}) {
		return ErrNoRemoteKey
	}
	newPriv, newPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return err
	}
	shared, err := dh.X25519SharedSecret(newPriv, s.DHr)
	if err != nil {
		return fmt.Errorf("X25519 during sending ratchet: %w", err)
	}

	s.RootKey, s.SendingChainKey, err = KDFRootKey(s.RootKey, shared)
	if err != nil {
		return fmt.Errorf("sending ratchet: %w", err)
	}
	s.DHsPriv = newPriv
	s.DHsPub = newPub
	s.Ns = 0
	return nil
}

// skipMessageKeys stores the keys for indices [Nr, until) of the receiving
// chain keyed by theirPub.
func (s *RatchetState) skipMessageKeys(theirPub [32]byte, until uint32) error {
	if until <= s.Nr {
		return nil
	}
	if s.ReceivingChainKey == nil {
		return ErrNoChainKey
	}
	toGenerate := int(until - s.Nr)
	if toGenerate > MaxSkip || len(s.Skipped)+toGenerate > MaxSkip {
		return fmt.Errorf("%w: have=%d need=%d max=%d", ErrSkipLimit, len(s.Skipped), toGenerate, MaxSkip)
	}

	for ; toGenerate > 0; toGenerate-- {
		var msgKey []byte
		var err error
		s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
		if err != nil {
			return err
		}
		s.Skipped[skippedKey(theirPub, s.Nr)] = msgKey
		s.Nr++
	}
	return nil
}

// Send encrypts plaintext in the current sending chain, ratcheting first
// when there is none. ad is bound into the authentication tag.
func (s *RatchetState) Send(plaintext, ad []byte) (*model.Header, []byte, error) {
	if s.SendingChainKey == nil {
		if err := s.InitiateSendingRatchet(); err != nil {
			return nil, nil, err
		}
	}

	var err error
	var msgKey []byte
	hdr := model.Header{Pub: s.DHsPub, MsgNum: s.Ns, Prev: s.PN}
	s.SendingChainKey, msgKey, err = KDFChainKey(s.SendingChainKey)
	if err != nil {
		return nil, nil, err
	}
	s.Ns++

	ct, err := encryption.AEADEncrypt(msgKey, plaintext, headerToAAD(ad, hdr))
	if err != nil {
		return nil, nil, err
	}
	return &hdr, ct, nil
}

// Receive decrypts one message. The state only advances when decryption
// succeeds, so a forged message cannot desynchronise the chain.
func (s *RatchetState) Receive(h model.Header, ciphertext, ad []byte) ([]byte, error) {
	next := s.Clone()
	plain, err := next.receive(h, ciphertext, ad)
	if err != nil {
		return nil, err
	}
	*s = *next
	return plain, nil
}

func (s *RatchetState) receive(h model.Header, ciphertext, ad []byte) ([]byte, error) {
	aad := headerToAAD(ad, h)

	key := skippedKey(h.Pub, h.MsgNum)
	if mk, ok := s.Skipped[key]; ok {
		delete(s.Skipped, key)
		return decrypt(mk, ciphertext, aad)
	}

	if h.Pub != s.DHr {
		if s.ReceivingChainKey != nil {
			if err := s.skipMessageKeys(s.DHr, h.Prev); err != nil {
				return nil, err
			}
		}
		s.PN = s.Ns
		s.Ns = 0
		s.Nr = 0

		shared, err := dh.X25519SharedSecret(s.DHsPriv, h.Pub)
		if err != nil {
			return nil, fmt.Errorf("X25519 during receive ratchet: %w", err)
		}
		s.RootKey, s.ReceivingChainKey, err = KDFRootKey(s.RootKey, shared)
		if err != nil {
			return nil, err
		}
		s.DHr = h.Pub
		// the next Send starts a fresh sending chain against the new key
		s.SendingChainKey = nil
	}

	if err := s.skipMessageKeys(s.DHr, h.MsgNum); err != nil {
		return nil, err
	}
	if s.ReceivingChainKey == nil {
		return nil, ErrNoChainKey
	}

	var msgKey []byte
	var err error
	s.ReceivingChainKey, msgKey, err = KDFChainKey(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	s.Nr++
	return decrypt(msgKey, ciphertext, aad)
}

func decrypt(key, ciphertext, aad []byte) ([]byte, error) {
	plain, err := encryption.AEADDecrypt(key, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptMessage, err)
	}
	return plain, nil
}
