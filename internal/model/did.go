package model

import "strings"

// Method names a DID method, the second segment of "did:<method>:<id>".
type Method string

const (
	MethodDocument Method = "doc"
)

type (
	// DID is either a bare identifier or an already materialized document.
	DID struct {
		ID       string
		Document *DIDDocument
	}

	DIDDocument struct {
		ID          string     `json:"id" bson:"_id"`
		IdentityKey string     `json:"identityKey" bson:"identity_key"`
		ExchangeKey string     `json:"exchangeKey" bson:"exchange_key"`
		Signature   string     `json:"signature" bson:"signature"`
		Endpoints   []Endpoint `json:"endpoints" bson:"endpoints"`
	}

	// Endpoint is one reachable address of a peer together with the pre-key
	// needed to bootstrap a session there.
	Endpoint struct {
		URL       string `json:"url" bson:"url"`
		PreKey    string `json:"preKey" bson:"pre_key"`
		Signature string `json:"signature" bson:"signature"`
	}
)

func DIDFromString(id string) DID {
	return DID{ID: id}
}

func DIDFromDocument(doc *DIDDocument) DID {
	return DID{Document: doc}
}

// String returns the identifier, taken from the document when one is present.
func (d DID) String() string {
	if d.Document != nil {
		return d.Document.ID
	}
	return d.ID
}

// Method returns the method segment, or "" for a malformed identifier.
func (d DID) Method() Method {
	parts := strings.Split(d.String(), ":")
	if len(parts) < 3 || parts[0] != "did" {
		return ""
	}
	return Method(parts[1])
}

func (d DID) IsDocument() bool {
	return d.Document != nil
}

// Clone returns a deep copy so cached documents are never shared with callers.
func (d *DIDDocument) Clone() *DIDDocument {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Endpoints != nil {
		cp.Endpoints = make([]Endpoint, len(d.Endpoints))
		copy(cp.Endpoints, d.Endpoints)
	}
	return &cp
}

// Key identifies an endpoint inside a peer; one URL may host several pre-keys.
func (e Endpoint) Key() string {
	return e.URL + "|" + e.PreKey
}
