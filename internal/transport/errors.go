package transport

import (
	"errors"
	"fmt"
)

var (
	ErrCloseTimeout    = errors.New("socket did not acknowledge close in time")
	ErrNotAcknowledged = errors.New("endpoint rejected frame")
	ErrAckTimeout      = errors.New("no acknowledgement received")
	ErrAuthFailed      = errors.New("endpoint authentication failed")
	ErrSocketClosed    = errors.New("socket closed")
	ErrNoEndpoint      = errors.New("identity has no endpoint for url")
)

// Error is a failure talking to one endpoint URL.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
