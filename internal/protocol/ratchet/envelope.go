package ratchet

import (
	"encoding/json"
	"fmt"

	"improto/internal/model"
)

// envelope is the ciphertext handed to the transport. Initiator sessions
// attach the handshake to every envelope so the receiver can bootstrap from
// whichever one arrives first.
type envelope struct {
	Handshake *model.X3DHHandshake `json:"handshake,omitempty"`
	Header    model.Header         `json:"header"`
	Body      []byte               `json:"body"`
}

func (e *envelope) marshal() ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(e.Body) == 0 {
		return nil, fmt.Errorf("decode envelope: empty body")
	}
	return &e, nil
}
