// Package session indexes the cryptographic sessions held with peer endpoints.
package session

import (
	"context"
	"fmt"
	"time"

	"improto/internal/model"
)

type (
	// Session is one established cryptographic channel with a peer endpoint.
	Session interface {
		ID() string
		PeerIdentityKey() string
		CreatedAt() time.Time
		IsExpired() bool
		Encrypt(msgs []*model.EncapsulatedMessage) ([]byte, error)
	}

	// Engine builds sessions; it owns the ratchet cryptography.
	Engine interface {
		CreateSession(ctx context.Context, identity *model.Identity, peer *model.DIDDocument, endpoint model.Endpoint) (Session, error)
		ParseSession(ctx context.Context, identity *model.Identity, sessionID string, ciphertext []byte) (Session, []*model.EncapsulatedMessage, error)
	}
)

// Error is returned by engines when a session cannot be created or parsed.
type Error struct {
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
