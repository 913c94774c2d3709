package did

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedMethod = errors.New("no resolver registered for did method")
	ErrUnknownDocument  = errors.New("unknown did document")
	ErrInvalidDocument  = errors.New("invalid did document")
)

// ResolutionError reports a failed resolution for one DID.
type ResolutionError struct {
	DID string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.DID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
