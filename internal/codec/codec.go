// Package codec turns messages into content-addressed, causally linked wire
// messages and restores causal order from an unordered batch.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"improto/internal/cryptographic/keys"
	"improto/internal/model"
)

const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	ErrHashMismatch = errors.New("sha256 does not match content")
	ErrEmptyType    = errors.New("message type is empty")
)

var now = time.Now

// Encapsulate stamps msg with the current time and computes its content hash.
func Encapsulate(msg model.Message) (*model.EncapsulatedMessage, error) {
	if msg.Type == "" {
		return nil, ErrEmptyType
	}
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	em := &model.EncapsulatedMessage{
		Type:      msg.Type,
		Data:      data,
		After:     msg.After,
		Timestamp: now().UTC().Format(TimestampLayout),
	}
	em.SHA256, err = Hash(em)
	if err != nil {
		return nil, err
	}
	return em, nil
}

// Hash computes the content hash over {type, data, after, timestamp}. Object
// keys are emitted sorted at every depth so field order never affects it.
func Hash(em *model.EncapsulatedMessage) (string, error) {
	var data any
	if len(em.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(em.Data))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return "", fmt.Errorf("decode data: %w", err)
		}
	}
	canonical, err := json.Marshal(map[string]any{
		"type":      em.Type,
		"data":      data,
		"after":     em.After,
		"timestamp": em.Timestamp,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return keys.SHA256Hex(canonical), nil
}

// Verify reports whether em.SHA256 matches its content.
func Verify(em *model.EncapsulatedMessage) error {
	sum, err := Hash(em)
	if err != nil {
		return err
	}
	if sum != em.SHA256 {
		return fmt.Errorf("%w: %s", ErrHashMismatch, em.SHA256)
	}
	return nil
}

// Decode unmarshals the payload of em.
func Decode[T any](em *model.EncapsulatedMessage) (T, error) {
	var out T
	if err := json.Unmarshal(em.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", em.Type, err)
	}
	return out, nil
}
