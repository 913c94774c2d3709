package ratchet

import (
	"context"
	"errors"
	"time"
)

var ErrStateNotFound = errors.New("ratchet state not found")

const storeTimeout = 2 * time.Second

// StateStore persists serialised session state so sessions outlive the
// process. Load returns ErrStateNotFound for unknown or expired ids.
type StateStore interface {
	SaveState(ctx context.Context, sessionID string, state []byte, ttl time.Duration) error
	LoadState(ctx context.Context, sessionID string) ([]byte, error)
}
