package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"improto/internal/model"
	"improto/internal/utils/log"
)

// Manager keeps the latest session per peer identity key and every known
// session by id. Replaced sessions are left to their owners.
type Manager struct {
	identity *model.Identity
	engine   Engine

	mu     sync.RWMutex
	byPeer map[string]Session
	byID   map[string]Session
}

func NewManager(identity *model.Identity, engine Engine) *Manager {
	return &Manager{
		identity: identity,
		engine:   engine,
		byPeer:   make(map[string]Session),
		byID:     make(map[string]Session),
	}
}

func (m *Manager) Identity() *model.Identity {
	return m.identity
}

func (m *Manager) GetByPeer(identityKey string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byPeer[identityKey]
	return s, ok
}

func (m *Manager) GetByID(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

func (m *Manager) CreateSession(ctx context.Context, peer *model.DIDDocument, endpoint model.Endpoint) (Session, error) {
	s, err := m.engine.CreateSession(ctx, m.identity, peer, endpoint)
	if err != nil {
		return nil, err
	}
	m.register(s)
	log.Debug("session created",
		zap.String("session", s.ID()),
		zap.String("peer", peer.ID),
		zap.String("endpoint", endpoint.URL))
	return s, nil
}

func (m *Manager) ParseIncoming(ctx context.Context, sessionID string, ciphertext []byte) (Session, []*model.EncapsulatedMessage, error) {
	s, msgs, err := m.engine.ParseSession(ctx, m.identity, sessionID, ciphertext)
	if err != nil {
		return nil, nil, err
	}
	m.register(s)
	return s, msgs, nil
}

func (m *Manager) register(s Session) {
	m.mu.Lock()
	m.byPeer[s.PeerIdentityKey()] = s
	m.byID[s.ID()] = s
	m.mu.Unlock()
}
