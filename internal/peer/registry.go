package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/utils/log"
)

// createTimeout bounds one deduplicated peer creation.
const createTimeout = 30 * time.Second

type (
	Resolver interface {
		Resolve(ctx context.Context, d model.DID) (*model.DIDDocument, error)
	}

	// Factory builds the Peer for a verified document.
	Factory func(ctx context.Context, doc *model.DIDDocument) (*Peer, error)
)

// NewFactory returns a Factory creating peers wired to sessions and sender.
func NewFactory(sessions SessionCreator, sender Sender, listener model.Listener, policy SendPolicy) Factory {
	return func(_ context.Context, doc *model.DIDDocument) (*Peer, error) {
		return New(doc.Clone(), sessions, sender, listener, policy), nil
	}
}

// Registry holds one Peer per DID. Concurrent requests for the same DID
// share a single creation.
type Registry struct {
	resolver Resolver
	factory  Factory
	group    singleflight.Group

	mu      sync.RWMutex
	peers   map[string]*Peer
	byIK    map[string]*Peer
	profile *model.EncapsulatedMessage
	closed  bool
}

func NewRegistry(resolver Resolver, factory Factory) *Registry {
	return &Registry{
		resolver: resolver,
		factory:  factory,
		peers:    make(map[string]*Peer),
		byIK:     make(map[string]*Peer),
	}
}

// GetOrCreate returns the peer for d, resolving and creating it on first
// use. A DID carrying a document also refreshes an existing peer's
// endpoints. lastMessageAt only ever moves the peer's timestamp forward.
func (r *Registry) GetOrCreate(ctx context.Context, d model.DID, lastMessageAt time.Time) (*Peer, error) {
	r.mu.RLock()
	closed := r.closed
	p, ok := r.peers[d.String()]
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if ok && !d.IsDocument() {
		r.index(p)
		p.Touch(lastMessageAt)
		return p, nil
	}

	// Creation outlives any single caller; each waiter gives up on its own ctx.
	ch := r.group.DoChan(d.String(), func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		return r.create(cctx, d)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p = res.Val.(*Peer)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.Touch(lastMessageAt)
	return p, nil
}

// index points the identity-key index at p.
func (r *Registry) index(p *Peer) {
	ik := p.IdentityKey()
	r.mu.Lock()
	if !r.closed {
		r.byIK[ik] = p
	}
	r.mu.Unlock()
}

func (r *Registry) create(ctx context.Context, d model.DID) (*Peer, error) {
	doc, err := r.resolver.Resolve(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := did.VerifyDocument(doc); err != nil {
		return nil, err
	}

	r.mu.RLock()
	existing, ok := r.peers[doc.ID]
	profile := r.profile
	r.mu.RUnlock()
	if ok {
		if d.IsDocument() {
			if err := existing.UpdateDocument(doc); err != nil {
				return nil, err
			}
		}
		r.index(existing)
		return existing, nil
	}

	p, err := r.factory(ctx, doc)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		p.SetProfile(profile)
		if err := p.Enqueue(profile); err != nil {
			return nil, err
		}
	}
	if err := p.ConfigureEndpoints(doc.Endpoints); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.Close()
		return nil, ErrRegistryClosed
	}
	r.peers[doc.ID] = p
	r.byIK[doc.IdentityKey] = p
	r.mu.Unlock()

	log.Debug("peer created", zap.String("peer", doc.ID), zap.Int("endpoints", len(doc.Endpoints)))
	return p, nil
}

func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) GetByIdentityKey(ik string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byIK[ik]
	return p, ok
}

func (r *Registry) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// UpdateUserProfile caches profile for future peers and sends it to every
// current one. All sends run to completion; failures are joined.
func (r *Registry) UpdateUserProfile(ctx context.Context, profile *model.EncapsulatedMessage) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.profile = profile
	r.mu.Unlock()

	peers := r.Peers()
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.SetProfile(profile)
			if err := p.Send(ctx, profile); err != nil {
				log.Warn("profile update failed", zap.String("peer", p.ID()), zap.Error(err))
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CloseAll closes the registry and every peer in it. Later GetOrCreate
// calls fail with ErrRegistryClosed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]*Peer)
	r.byIK = make(map[string]*Peer)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Close()
		}()
	}
	wg.Wait()
	log.Info("peer registry closed", zap.Int("peers", len(peers)))
}
