package did

import (
	"fmt"
	"strings"

	"improto/internal/cryptographic/keys"
	"improto/internal/model"
)

// VerifyDocument checks that doc is self-consistent: the id is bound to the
// identity key, and the exchange key and every endpoint pre-key are signed
// by it.
func VerifyDocument(doc *model.DIDDocument) error {
	if doc == nil {
		return ErrInvalidDocument
	}
	invalid := func(format string, args ...any) error {
		return &ResolutionError{DID: doc.ID, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidDocument}, args...)...)}
	}

	parts := strings.Split(doc.ID, ":")
	if len(parts) != 3 || parts[0] != "did" {
		return invalid("malformed id")
	}
	thumb, err := keys.Thumbprint(doc.IdentityKey)
	if err != nil {
		return invalid("identity key: %v", err)
	}
	if parts[2] != thumb {
		return invalid("id does not match identity key")
	}
	if err := keys.VerifyKey(doc.IdentityKey, doc.ExchangeKey, doc.Signature); err != nil {
		return invalid("exchange key: %v", err)
	}
	for _, ep := range doc.Endpoints {
		if err := VerifyEndpoint(doc.IdentityKey, ep); err != nil {
			return invalid("endpoint %s: %v", ep.URL, err)
		}
	}
	return nil
}

func VerifyEndpoint(identityKey string, ep model.Endpoint) error {
	if ep.URL == "" {
		return fmt.Errorf("empty url")
	}
	return keys.VerifyKey(identityKey, ep.PreKey, ep.Signature)
}
