// Package peer tracks remote identities, their endpoints and the messages
// waiting to be delivered to them.
package peer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"improto/internal/codec"
	"improto/internal/model"
	"improto/internal/session"
	"improto/internal/utils/log"
)

type (
	// SessionCreator establishes a fresh session with one endpoint of a peer.
	SessionCreator interface {
		CreateSession(ctx context.Context, peer *model.DIDDocument, endpoint model.Endpoint) (session.Session, error)
	}

	// Sender delivers one ciphertext to a pre-key mailbox and returns once the
	// endpoint acknowledged it.
	Sender interface {
		Send(ctx context.Context, url, preKey, sessionID string, ciphertext []byte) error
	}
)

// Endpoint owns the outbound queue and session for one endpoint of a peer.
// mu is held for a whole flush, so messages enqueued meanwhile land in the
// queue after the flushed ones were removed.
type Endpoint struct {
	doc      *model.DIDDocument
	endpoint model.Endpoint
	sessions SessionCreator
	sender   Sender
	listener model.Listener

	mu      sync.Mutex
	queue   map[string]*model.EncapsulatedMessage
	session session.Session
	profile *model.EncapsulatedMessage
	closed  bool
}

func NewEndpoint(doc *model.DIDDocument, endpoint model.Endpoint, sessions SessionCreator, sender Sender, listener model.Listener) *Endpoint {
	if listener == nil {
		listener = model.NopListener{}
	}
	return &Endpoint{
		doc:      doc,
		endpoint: endpoint,
		sessions: sessions,
		sender:   sender,
		listener: listener,
		queue:    make(map[string]*model.EncapsulatedMessage),
	}
}

func (e *Endpoint) Descriptor() model.Endpoint {
	return e.endpoint
}

// Enqueue adds msg to the queue; the same hash is only held once.
func (e *Endpoint) Enqueue(msg *model.EncapsulatedMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	e.queue[msg.SHA256] = msg
	return nil
}

// SetProfile records the profile that opens every new session.
func (e *Endpoint) SetProfile(msg *model.EncapsulatedMessage) {
	e.mu.Lock()
	e.profile = msg
	e.mu.Unlock()
}

// Pending returns the undelivered messages in causal order.
func (e *Endpoint) Pending() []*model.EncapsulatedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Endpoint) snapshotLocked() []*model.EncapsulatedMessage {
	out := make([]*model.EncapsulatedMessage, 0, len(e.queue))
	for _, m := range e.queue {
		out = append(out, m)
	}
	return codec.SortCausal(out)
}

// Flush encrypts everything queued as one batch and sends it. On failure
// the queue is kept and the session dropped, so the next flush starts over
// with fresh key material.
func (e *Endpoint) Flush(ctx context.Context) error {
	delivered, err := e.flush(ctx)
	if err != nil {
		return err
	}
	if len(delivered) > 0 {
		e.listener.OnStatus(model.StatusDelivered, delivered)
	}
	return nil
}

func (e *Endpoint) flush(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEndpointClosed
	}

	if e.session == nil || e.session.IsExpired() {
		if e.profile != nil {
			e.queue[e.profile.SHA256] = e.profile
		}
		s, err := e.sessions.CreateSession(ctx, e.doc, e.endpoint)
		if err != nil {
			return nil, err
		}
		e.session = s
	}

	batch := e.snapshotLocked()
	if len(batch) == 0 {
		return nil, nil
	}

	ct, err := e.session.Encrypt(batch)
	if err != nil {
		e.session = nil
		return nil, err
	}
	if err := e.sender.Send(ctx, e.endpoint.URL, e.endpoint.PreKey, e.session.ID(), ct); err != nil {
		log.Warn("flush failed, session dropped",
			zap.String("peer", e.doc.ID),
			zap.String("endpoint", e.endpoint.URL),
			zap.Int("pending", len(batch)),
			zap.Error(err))
		e.session = nil
		return nil, err
	}

	hashes := make([]string, 0, len(batch))
	for _, m := range batch {
		delete(e.queue, m.SHA256)
		hashes = append(hashes, m.SHA256)
	}
	return hashes, nil
}

// Close stops the endpoint and returns what was still queued.
func (e *Endpoint) Close() []*model.EncapsulatedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.snapshotLocked()
	e.closed = true
	e.session = nil
	e.queue = make(map[string]*model.EncapsulatedMessage)
	return pending
}
