// Package did resolves DIDs to documents and generates local identities.
package did

import (
	"context"
	"sync"

	"improto/internal/model"
)

type Resolver interface {
	Resolve(ctx context.Context, d model.DID) (*model.DIDDocument, error)
	Generate(ctx context.Context) (*model.Identity, *model.DIDDocument, error)
}

// Manager dispatches to one resolver per DID method.
type Manager struct {
	mu        sync.RWMutex
	resolvers map[model.Method]Resolver
}

func NewManager() *Manager {
	return &Manager{resolvers: make(map[model.Method]Resolver)}
}

// Use registers r for method; a later registration replaces an earlier one.
func (m *Manager) Use(method model.Method, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[method] = r
}

func (m *Manager) resolver(method model.Method) (Resolver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resolvers[method]
	return r, ok
}

func (m *Manager) Resolve(ctx context.Context, d model.DID) (*model.DIDDocument, error) {
	r, ok := m.resolver(d.Method())
	if !ok {
		return nil, &ResolutionError{DID: d.String(), Err: ErrUnresolvedMethod}
	}
	return r.Resolve(ctx, d)
}

func (m *Manager) Generate(ctx context.Context, method model.Method) (*model.Identity, *model.DIDDocument, error) {
	r, ok := m.resolver(method)
	if !ok {
		return nil, nil, &ResolutionError{DID: "did:" + string(method), Err: ErrUnresolvedMethod}
	}
	return r.Generate(ctx)
}
