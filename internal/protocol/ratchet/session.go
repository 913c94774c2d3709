package ratchet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"improto/internal/model"
	"improto/internal/protocol/doubleratchet"
	"improto/internal/session"
	"improto/internal/utils/log"
)

// Session is a double ratchet session with one peer endpoint.
type Session struct {
	id        string
	peerIK    string
	createdAt time.Time
	ttl       time.Duration
	clock     func() time.Time
	store     StateStore

	mu        sync.Mutex
	state     *doubleratchet.RatchetState
	handshake *model.X3DHHandshake
	ad        []byte
}

var _ session.Session = (*Session)(nil)

func (s *Session) ID() string              { return s.id }
func (s *Session) PeerIdentityKey() string { return s.peerIK }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }

func (s *Session) IsExpired() bool {
	return s.clock().Sub(s.createdAt) >= s.ttl
}

// Encrypt seals msgs as one batch.
func (s *Session) Encrypt(msgs []*model.EncapsulatedMessage) ([]byte, error) {
	plaintext, err := json.Marshal(msgs)
	if err != nil {
		return nil, &session.Error{Op: "encrypt", SessionID: s.id, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hdr, body, err := s.state.Send(plaintext, s.ad)
	if err != nil {
		return nil, &session.Error{Op: "encrypt", SessionID: s.id, Err: err}
	}
	env := &envelope{Handshake: s.handshake, Header: *hdr, Body: body}
	out, err := env.marshal()
	if err != nil {
		return nil, &session.Error{Op: "encrypt", SessionID: s.id, Err: err}
	}
	s.persist()
	return out, nil
}

func (s *Session) decrypt(env *envelope) ([]*model.EncapsulatedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.state.Receive(env.Header, env.Body, s.ad)
	if err != nil {
		return nil, err
	}
	var msgs []*model.EncapsulatedMessage
	if err := json.Unmarshal(plaintext, &msgs); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	s.persist()
	return msgs, nil
}

type snapshot struct {
	PeerIK    string                      `json:"peerIk"`
	CreatedAt time.Time                   `json:"createdAt"`
	AD        []byte                      `json:"ad"`
	Handshake *model.X3DHHandshake        `json:"handshake,omitempty"`
	State     *doubleratchet.RatchetState `json:"state"`
}

// persist writes the state with the session's remaining lifetime. Callers
// hold s.mu.
func (s *Session) persist() {
	if s.store == nil {
		return
	}
	remaining := s.ttl - s.clock().Sub(s.createdAt)
	if remaining <= 0 {
		return
	}
	raw, err := json.Marshal(snapshot{
		PeerIK:    s.peerIK,
		CreatedAt: s.createdAt,
		AD:        s.ad,
		Handshake: s.handshake,
		State:     s.state,
	})
	if err != nil {
		log.Error("marshal ratchet state", zap.String("session", s.id), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.SaveState(ctx, s.id, raw, remaining); err != nil {
		log.Warn("persist ratchet state", zap.String("session", s.id), zap.Error(err))
	}
}
