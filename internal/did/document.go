package did

import (
	"context"
	"fmt"
	"sync"

	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/keys"
	"improto/internal/cryptographic/signature"
	"improto/internal/model"
)

// DocumentResolver implements the "doc" method: documents travel inline and
// are cached by id the first time they are seen.
type DocumentResolver struct {
	mu    sync.RWMutex
	cache map[string]*model.DIDDocument
}

func NewDocumentResolver() *DocumentResolver {
	return &DocumentResolver{cache: make(map[string]*model.DIDDocument)}
}

func (r *DocumentResolver) Resolve(_ context.Context, d model.DID) (*model.DIDDocument, error) {
	if d.Document != nil {
		r.Store(d.Document)
		return d.Document, nil
	}

	r.mu.RLock()
	doc, ok := r.cache[d.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, &ResolutionError{DID: d.ID, Err: ErrUnknownDocument}
	}
	return doc.Clone(), nil
}

// Store caches doc without checking it.
func (r *DocumentResolver) Store(doc *model.DIDDocument) {
	r.mu.Lock()
	r.cache[doc.ID] = doc.Clone()
	r.mu.Unlock()
}

func (r *DocumentResolver) Forget(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *DocumentResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Generate creates a fresh identity with a "did:doc:" id bound to its
// identity key thumbprint.
func (r *DocumentResolver) Generate(_ context.Context) (*model.Identity, *model.DIDDocument, error) {
	ikPub, ikPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	xkPriv, xkPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	authPriv, err := dh.NewP256KeyPair()
	if err != nil {
		return nil, nil, err
	}

	ik, err := keys.ExportEd25519(ikPub)
	if err != nil {
		return nil, nil, err
	}
	xk, err := keys.ExportX25519(xkPub)
	if err != nil {
		return nil, nil, err
	}
	thumb, err := keys.Thumbprint(ik)
	if err != nil {
		return nil, nil, err
	}
	sig, err := keys.SignKey(ikPriv, xk)
	if err != nil {
		return nil, nil, err
	}

	doc := &model.DIDDocument{
		ID:          "did:" + string(model.MethodDocument) + ":" + thumb,
		IdentityKey: ik,
		ExchangeKey: xk,
		Signature:   sig,
		Endpoints:   []model.Endpoint{},
	}
	identity := &model.Identity{
		DID:         doc.ID,
		IdentityKey: ikPriv,
		ExchangeKey: xkPriv[:],
		AuthKey:     authPriv.Bytes(),
		PreKeys:     make(map[string][]byte),
		Document:    doc,
	}
	r.Store(doc)
	return identity, doc.Clone(), nil
}

// AddEndpoint gives identity a signed pre-key at url and records it in the
// identity's document. An existing endpoint for url is replaced.
func AddEndpoint(identity *model.Identity, url string) (model.Endpoint, error) {
	if identity.Document == nil {
		return model.Endpoint{}, fmt.Errorf("identity %s has no document", identity.DID)
	}
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return model.Endpoint{}, err
	}
	preKey, err := keys.ExportX25519(pub)
	if err != nil {
		return model.Endpoint{}, err
	}
	sig, err := keys.SignKey(identity.SigningKey(), preKey)
	if err != nil {
		return model.Endpoint{}, err
	}

	ep := model.Endpoint{URL: url, PreKey: preKey, Signature: sig}
	if identity.PreKeys == nil {
		identity.PreKeys = make(map[string][]byte)
	}
	identity.PreKeys[preKey] = priv[:]

	endpoints := make([]model.Endpoint, 0, len(identity.Document.Endpoints)+1)
	for _, e := range identity.Document.Endpoints {
		if e.URL == url {
			delete(identity.PreKeys, e.PreKey)
			continue
		}
		endpoints = append(endpoints, e)
	}
	identity.Document.Endpoints = append(endpoints, ep)
	return ep, nil
}
