package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"improto/internal/model"
	"improto/internal/utils/log"
)

// SendPolicy decides what Peer.Send reports when some endpoints fail.
type SendPolicy int

const (
	// PolicyBestEffort logs failures and leaves the messages queued.
	PolicyBestEffort SendPolicy = iota
	// PolicyAnyEndpoint fails unless at least one endpoint confirmed delivery.
	PolicyAnyEndpoint
)

// Peer is one remote identity and its endpoints.
type Peer struct {
	sessions SessionCreator
	sender   Sender
	listener model.Listener
	policy   SendPolicy

	mu            sync.Mutex
	doc           *model.DIDDocument
	endpoints     map[string]*Endpoint
	backlog       map[string]*model.EncapsulatedMessage
	profile       *model.EncapsulatedMessage
	relationship  model.Relationship
	lastMessageAt time.Time
	closed        bool
}

func New(doc *model.DIDDocument, sessions SessionCreator, sender Sender, listener model.Listener, policy SendPolicy) *Peer {
	if listener == nil {
		listener = model.NopListener{}
	}
	return &Peer{
		sessions:  sessions,
		sender:    sender,
		listener:  listener,
		policy:    policy,
		doc:       doc,
		endpoints: make(map[string]*Endpoint),
		backlog:   make(map[string]*model.EncapsulatedMessage),
	}
}

func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.ID
}

func (p *Peer) IdentityKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.IdentityKey
}

func (p *Peer) Document() *model.DIDDocument {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Clone()
}

func (p *Peer) Relationship() model.Relationship {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relationship
}

func (p *Peer) SetRelationship(r model.Relationship) error {
	if !r.Valid() {
		return ErrInvalidRelationship
	}
	p.mu.Lock()
	p.relationship = r
	p.mu.Unlock()
	return nil
}

func (p *Peer) LastMessageAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMessageAt
}

// Touch moves the last-message time forward, never back.
func (p *Peer) Touch(t time.Time) {
	p.mu.Lock()
	if t.After(p.lastMessageAt) {
		p.lastMessageAt = t
	}
	p.mu.Unlock()
}

func (p *Peer) Profile() *model.EncapsulatedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// SetProfile caches the local profile message sent to this peer. It opens
// every session created from now on.
func (p *Peer) SetProfile(msg *model.EncapsulatedMessage) {
	p.mu.Lock()
	p.profile = msg
	endpoints := p.endpointsLocked()
	p.mu.Unlock()

	for _, ep := range endpoints {
		ep.SetProfile(msg)
	}
}

func (p *Peer) Endpoints() []model.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.Descriptor())
	}
	return out
}

func (p *Peer) endpointsLocked() []*Endpoint {
	out := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep)
	}
	return out
}

// UpdateDocument adopts a newer document of the same identity and
// reconfigures endpoints from it.
func (p *Peer) UpdateDocument(doc *model.DIDDocument) error {
	p.mu.Lock()
	if doc.IdentityKey != p.doc.IdentityKey {
		p.mu.Unlock()
		return ErrIdentityMismatch
	}
	p.doc = doc.Clone()
	p.mu.Unlock()
	return p.ConfigureEndpoints(doc.Endpoints)
}

// ConfigureEndpoints replaces the endpoint set. Endpoints present before and
// after keep their session and queue untouched. Endpoints added here inherit
// every message not yet delivered anywhere: the backlog and whatever the
// current endpoints still hold. With an empty set the messages are kept as
// backlog.
func (p *Peer) ConfigureEndpoints(endpoints []model.Endpoint) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}

	undelivered := make(map[string]*model.EncapsulatedMessage, len(p.backlog))
	for sha, m := range p.backlog {
		undelivered[sha] = m
	}
	for _, ep := range p.endpoints {
		for _, m := range ep.Pending() {
			undelivered[m.SHA256] = m
		}
	}

	next := make(map[string]*Endpoint, len(endpoints))
	var added []*Endpoint
	for _, desc := range endpoints {
		key := desc.Key()
		if _, ok := next[key]; ok {
			continue
		}
		if ep, ok := p.endpoints[key]; ok {
			next[key] = ep
			continue
		}
		ep := NewEndpoint(p.doc, desc, p.sessions, p.sender, p.listener)
		ep.SetProfile(p.profile)
		next[key] = ep
		added = append(added, ep)
	}

	var dropped []*Endpoint
	for key, ep := range p.endpoints {
		if _, ok := next[key]; !ok {
			dropped = append(dropped, ep)
		}
	}

	p.endpoints = next
	if len(next) == 0 {
		p.backlog = undelivered
	} else {
		p.backlog = make(map[string]*model.EncapsulatedMessage)
	}
	p.mu.Unlock()

	for _, ep := range dropped {
		ep.Close()
	}
	for _, ep := range added {
		for _, m := range undelivered {
			if err := ep.Enqueue(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// Enqueue queues msg on every endpoint without flushing.
func (p *Peer) Enqueue(msg *model.EncapsulatedMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	endpoints := p.endpointsLocked()
	if len(endpoints) == 0 {
		p.backlog[msg.SHA256] = msg
	}
	p.mu.Unlock()

	for _, ep := range endpoints {
		if err := ep.Enqueue(msg); err != nil {
			return err
		}
	}
	return nil
}

// Send queues msg on every endpoint and flushes them concurrently.
func (p *Peer) Send(ctx context.Context, msg *model.EncapsulatedMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	endpoints := p.endpointsLocked()
	if len(endpoints) == 0 {
		p.backlog[msg.SHA256] = msg
		p.mu.Unlock()
		if p.policy == PolicyAnyEndpoint {
			return ErrNoEndpoints
		}
		return nil
	}
	p.mu.Unlock()

	return p.settle(endpoints, func(ep *Endpoint) error {
		if err := ep.Enqueue(msg); err != nil {
			return err
		}
		return ep.Flush(ctx)
	})
}

// Flush flushes every endpoint concurrently.
func (p *Peer) Flush(ctx context.Context) error {
	p.mu.Lock()
	endpoints := p.endpointsLocked()
	p.mu.Unlock()
	if len(endpoints) == 0 {
		return nil
	}
	return p.settle(endpoints, func(ep *Endpoint) error { return ep.Flush(ctx) })
}

// settle runs fn on all endpoints, waits for all of them and applies the
// send policy to the outcome.
func (p *Peer) settle(endpoints []*Endpoint, fn func(*Endpoint) error) error {
	errs := make([]error, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(ep)
		}()
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		log.Warn("endpoint delivery failed",
			zap.String("peer", p.ID()),
			zap.String("endpoint", endpoints[i].Descriptor().URL),
			zap.Error(err))
		failed = append(failed, err)
	}

	switch {
	case len(failed) == 0:
		return nil
	case p.policy == PolicyAnyEndpoint && len(failed) == len(endpoints):
		return errors.Join(failed...)
	default:
		return nil
	}
}

// Pending returns every undelivered message, across endpoints and backlog.
func (p *Peer) Pending() []*model.EncapsulatedMessage {
	p.mu.Lock()
	seen := make(map[string]*model.EncapsulatedMessage, len(p.backlog))
	for sha, m := range p.backlog {
		seen[sha] = m
	}
	endpoints := p.endpointsLocked()
	p.mu.Unlock()

	for _, ep := range endpoints {
		for _, m := range ep.Pending() {
			seen[m.SHA256] = m
		}
	}
	out := make([]*model.EncapsulatedMessage, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	return out
}

// Close shuts every endpoint down. It waits for in-flight flushes and never
// fails.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	endpoints := p.endpointsLocked()
	p.endpoints = make(map[string]*Endpoint)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if pending := ep.Close(); len(pending) > 0 {
				log.Info("endpoint closed with undelivered messages",
					zap.String("endpoint", ep.Descriptor().URL),
					zap.Int("pending", len(pending)))
			}
		}()
	}
	wg.Wait()
}
