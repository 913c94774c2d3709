package peer

import "errors"

var (
	ErrRegistryClosed      = errors.New("peer registry closed")
	ErrEndpointClosed      = errors.New("peer endpoint closed")
	ErrPeerClosed          = errors.New("peer closed")
	ErrNoEndpoints         = errors.New("peer has no endpoints")
	ErrInvalidRelationship = errors.New("invalid relationship")
	ErrIdentityMismatch    = errors.New("document identity key changed")
)
