package did

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"improto/internal/model"
	"improto/internal/utils/log"
)

// RelayResolver looks up documents the local cache does not know on a relay's
// /did API. Fetched documents are verified before they are cached.
type RelayResolver struct {
	base   string
	client *http.Client
	cache  *DocumentResolver
}

func NewRelayResolver(baseURL string, client *http.Client, cache *DocumentResolver) *RelayResolver {
	if client == nil {
		client = http.DefaultClient
	}
	if cache == nil {
		cache = NewDocumentResolver()
	}
	return &RelayResolver{base: strings.TrimRight(baseURL, "/"), client: client, cache: cache}
}

// Resolve verifies an inline document before caching it; a document that
// fails verification leaves the cache untouched.
func (r *RelayResolver) Resolve(ctx context.Context, d model.DID) (*model.DIDDocument, error) {
	if d.Document != nil {
		if err := VerifyDocument(d.Document); err != nil {
			return nil, err
		}
		r.cache.Store(d.Document)
		return d.Document.Clone(), nil
	}

	doc, err := r.cache.Resolve(ctx, d)
	if err == nil || !errors.Is(err, ErrUnknownDocument) {
		return doc, err
	}

	doc, err = r.fetch(ctx, d.ID)
	if err != nil {
		return nil, &ResolutionError{DID: d.ID, Err: err}
	}
	if err := VerifyDocument(doc); err != nil {
		return nil, err
	}
	if doc.ID != d.ID {
		return nil, &ResolutionError{DID: d.ID, Err: fmt.Errorf("%w: relay returned %s", ErrInvalidDocument, doc.ID)}
	}
	r.cache.Store(doc)
	log.Debug("resolved did from relay", zap.String("did", d.ID))
	return doc, nil
}

func (r *RelayResolver) Generate(ctx context.Context) (*model.Identity, *model.DIDDocument, error) {
	return r.cache.Generate(ctx)
}

func (r *RelayResolver) fetch(ctx context.Context, id string) (*model.DIDDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/did/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownDocument
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("relay returned %s", resp.Status)
	}
	var doc model.DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

// Publish registers doc with the relay so other peers can resolve it by id.
func (r *RelayResolver) Publish(ctx context.Context, doc *model.DIDDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.base+"/did", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish %s: %w", doc.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("publish %s: %s: %s", doc.ID, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
