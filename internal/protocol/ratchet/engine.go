// Package ratchet is the session engine: X3DH against a peer's published
// pre-key seeds a double ratchet per peer endpoint.
package ratchet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/keys"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/protocol/doubleratchet"
	"improto/internal/protocol/x3dh"
	"improto/internal/session"
	"improto/internal/utils/log"
)

const DefaultTTL = 2 * time.Hour

var (
	ErrUnknownSession = errors.New("unknown session and no handshake")
	ErrHandshake      = errors.New("invalid handshake")
)

type Engine struct {
	ttl   time.Duration
	store StateStore
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

var _ session.Engine = (*Engine)(nil)

// NewEngine returns an engine whose sessions expire after ttl. store may be
// nil.
func NewEngine(ttl time.Duration, store StateStore) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		ttl:      ttl,
		store:    store,
		clock:    time.Now,
		sessions: make(map[string]*Session),
	}
}

func (e *Engine) newSession(id, peerIK string, createdAt time.Time, state *doubleratchet.RatchetState, hs *model.X3DHHandshake, ad []byte) *Session {
	return &Session{
		id:        id,
		peerIK:    peerIK,
		createdAt: createdAt,
		ttl:       e.ttl,
		clock:     e.clock,
		store:     e.store,
		state:     state,
		handshake: hs,
		ad:        ad,
	}
}

func (e *Engine) CreateSession(_ context.Context, identity *model.Identity, peer *model.DIDDocument, endpoint model.Endpoint) (session.Session, error) {
	fail := func(err error) (session.Session, error) {
		return nil, &session.Error{Op: "create", Err: err}
	}
	if identity.Document == nil {
		return fail(fmt.Errorf("identity %s has no document", identity.DID))
	}
	if err := did.VerifyEndpoint(peer.IdentityKey, endpoint); err != nil {
		return fail(fmt.Errorf("endpoint %s: %w", endpoint.URL, err))
	}
	peerXK, err := keys.ImportX25519(peer.ExchangeKey)
	if err != nil {
		return fail(err)
	}
	preKey, err := keys.ImportX25519(endpoint.PreKey)
	if err != nil {
		return fail(err)
	}
	ourXK, err := identity.ExchangePrivate()
	if err != nil {
		return fail(err)
	}
	ekPriv, ekPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return fail(err)
	}

	sender := &x3dh.X3DHSender{}
	sk, err := sender.GenerateShareKey(&model.InitiatorKeys{
		IdentityPriv:  ourXK[:],
		EphemeralPriv: ekPriv[:],
		PeerIdentity:  peerXK[:],
		PeerPreKey:    preKey[:],
	})
	if err != nil {
		return fail(err)
	}

	hs := &model.X3DHHandshake{
		IdentityKey: identity.Document.IdentityKey,
		ExchangeKey: identity.Document.ExchangeKey,
		Signature:   identity.Document.Signature,
		EKPub:       ekPub[:],
		PreKey:      endpoint.PreKey,
	}
	state := doubleratchet.NewState(sk, [32]byte{}, [32]byte{}, preKey)
	s := e.newSession(uuid.NewString(), peer.IdentityKey, e.clock(), state, hs,
		associatedData(identity.Document.ExchangeKey, peer.ExchangeKey))

	e.mu.Lock()
	e.pruneLocked()
	e.sessions[s.id] = s
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) ParseSession(ctx context.Context, identity *model.Identity, sessionID string, ciphertext []byte) (session.Session, []*model.EncapsulatedMessage, error) {
	fail := func(err error) (session.Session, []*model.EncapsulatedMessage, error) {
		return nil, nil, &session.Error{Op: "parse", SessionID: sessionID, Err: err}
	}
	env, err := unmarshalEnvelope(ciphertext)
	if err != nil {
		return fail(err)
	}

	s, err := e.lookup(ctx, identity, sessionID, env)
	if err != nil {
		return fail(err)
	}
	msgs, err := s.decrypt(env)
	if err != nil {
		return fail(err)
	}
	return s, msgs, nil
}

// lookup finds the session in memory, then in the store, and finally
// bootstraps it from the envelope's handshake.
func (e *Engine) lookup(ctx context.Context, identity *model.Identity, id string, env *envelope) (*Session, error) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if ok {
		return s, nil
	}

	if e.store != nil {
		s, err := e.restore(ctx, id)
		switch {
		case err == nil:
			return e.remember(s), nil
		case !errors.Is(err, ErrStateNotFound):
			log.Warn("load ratchet state", zap.String("session", id), zap.Error(err))
		}
	}

	if env.Handshake == nil {
		return nil, ErrUnknownSession
	}
	s, err := e.accept(identity, id, env.Handshake)
	if err != nil {
		return nil, err
	}
	return e.remember(s), nil
}

func (e *Engine) remember(s *Session) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[s.id]; ok {
		return existing
	}
	e.pruneLocked()
	e.sessions[s.id] = s
	return s
}

func (e *Engine) restore(ctx context.Context, id string) (*Session, error) {
	raw, err := e.store.LoadState(ctx, id)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode ratchet state: %w", err)
	}
	if snap.State == nil {
		return nil, ErrStateNotFound
	}
	if snap.State.Skipped == nil {
		snap.State.Skipped = make(map[string][]byte)
	}
	return e.newSession(id, snap.PeerIK, snap.CreatedAt, snap.State, snap.Handshake, snap.AD), nil
}

// accept is the receiving half of X3DH.
func (e *Engine) accept(identity *model.Identity, id string, hs *model.X3DHHandshake) (*Session, error) {
	if identity.Document == nil {
		return nil, fmt.Errorf("identity %s has no document", identity.DID)
	}
	if err := keys.VerifyKey(hs.IdentityKey, hs.ExchangeKey, hs.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	theirXK, err := keys.ImportX25519(hs.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if len(hs.EKPub) != 32 {
		return nil, fmt.Errorf("%w: ephemeral key size", ErrHandshake)
	}
	spkPriv, err := identity.PreKeyPrivate(hs.PreKey)
	if err != nil {
		return nil, err
	}
	ourXK, err := identity.ExchangePrivate()
	if err != nil {
		return nil, err
	}

	receiver := &x3dh.X3DHReceiver{}
	sk, err := receiver.GenerateShareKey(&model.ResponderKeys{
		PeerIdentity:  theirXK[:],
		PeerEphemeral: hs.EKPub,
		IdentityPriv:  ourXK[:],
		PreKeyPriv:    spkPriv[:],
	})
	if err != nil {
		return nil, err
	}

	state := doubleratchet.NewState(sk, spkPriv, dh.X25519Public(spkPriv), [32]byte{})
	log.Debug("session accepted", zap.String("session", id))
	return e.newSession(id, hs.IdentityKey, e.clock(), state, nil,
		associatedData(hs.ExchangeKey, identity.Document.ExchangeKey)), nil
}

// pruneLocked drops expired sessions. Callers hold e.mu.
func (e *Engine) pruneLocked() {
	now := e.clock()
	for id, s := range e.sessions {
		if now.Sub(s.createdAt) >= e.ttl {
			delete(e.sessions, id)
		}
	}
}

// Len reports the number of live sessions held in memory.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func associatedData(initiatorXK, responderXK string) []byte {
	return []byte(initiatorXK + "|" + responderXK)
}
