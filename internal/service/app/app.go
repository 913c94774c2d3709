// Package app wires a local identity to a relay: it owns the identity,
// the sessions, the sockets and the peer registry of one running client.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"improto/internal/codec"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/peer"
	"improto/internal/protocol/ratchet"
	"improto/internal/session"
	"improto/internal/transport"
	"improto/internal/utils/log"
)

var (
	ErrNotStarted = errors.New("app not started")
	ErrNoName     = errors.New("identity name required")
)

type (
	// IdentityStore persists local identities by name.
	IdentityStore interface {
		GetByName(ctx context.Context, name string) (*model.Identity, error)
		Create(ctx context.Context, identity *model.Identity) (primitive.ObjectID, error)
		Update(ctx context.Context, identity *model.Identity) error
	}

	Options struct {
		Name string
		// RelayURL is the relay's HTTP base, e.g. http://localhost:9090.
		RelayURL   string
		SessionTTL time.Duration
		Transport  transport.Config
		Policy     peer.SendPolicy
		HTTPClient *http.Client
	}

	App struct {
		opts       Options
		identities IdentityStore
		states     ratchet.StateStore
		listener   model.Listener
		http       *http.Client

		relay     *did.RelayResolver
		dids      *did.Manager
		identity  *model.Identity
		endpoint  model.EndpointConfig
		sessions  *session.Manager
		transport *transport.Manager
		registry  *peer.Registry

		mu    sync.Mutex
		heads map[string]string
	}
)

// New returns an App. states may be nil, in which case ratchet state lives
// only in memory.
func New(opts Options, identities IdentityStore, states ratchet.StateStore, listener model.Listener) *App {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = ratchet.DefaultTTL
	}
	if listener == nil {
		listener = model.NopListener{}
	}
	relay := did.NewRelayResolver(opts.RelayURL, opts.HTTPClient, nil)
	dids := did.NewManager()
	dids.Use(model.MethodDocument, relay)
	return &App{
		opts:       opts,
		identities: identities,
		states:     states,
		listener:   listener,
		http:       opts.HTTPClient,
		relay:      relay,
		dids:       dids,
		heads:      make(map[string]string),
	}
}

// Start loads or creates the identity, publishes its document and opens the
// authenticated mailbox socket.
func (a *App) Start(ctx context.Context) error {
	if a.opts.Name == "" {
		return ErrNoName
	}
	cfg, err := a.fetchConfig(ctx)
	if err != nil {
		return err
	}
	identity, err := a.loadIdentity(ctx, cfg.URL)
	if err != nil {
		return err
	}
	if err := a.relay.Publish(ctx, identity.Document); err != nil {
		return err
	}

	a.identity = identity
	a.endpoint = cfg
	a.sessions = session.NewManager(identity, ratchet.NewEngine(a.opts.SessionTTL, a.states))
	a.transport = transport.NewManager(a.opts.Transport, a.handleInbound)
	a.registry = peer.NewRegistry(a.dids, peer.NewFactory(a.sessions, a.transport, a.listener, a.opts.Policy))

	if _, err := a.transport.InitWithAuth(ctx, identity, cfg, a.sessions); err != nil {
		return err
	}
	log.Info("client started", zap.String("name", identity.Name), zap.String("did", identity.DID))
	return nil
}

func (a *App) fetchConfig(ctx context.Context) (model.EndpointConfig, error) {
	var cfg model.EndpointConfig
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.opts.RelayURL, "/")+"/config", nil)
	if err != nil {
		return cfg, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return cfg, fmt.Errorf("fetch relay config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cfg, fmt.Errorf("fetch relay config: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode relay config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// loadIdentity returns the stored identity for the configured name, creating
// it on first run and registering an endpoint at url when it has none there.
func (a *App) loadIdentity(ctx context.Context, url string) (*model.Identity, error) {
	identity, err := a.identities.GetByName(ctx, a.opts.Name)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		identity, _, err = a.dids.Generate(ctx, model.MethodDocument)
		if err != nil {
			return nil, err
		}
		identity.Name = a.opts.Name
		if _, err := did.AddEndpoint(identity, url); err != nil {
			return nil, err
		}
		if _, err := a.identities.Create(ctx, identity); err != nil {
			return nil, err
		}
		log.Info("identity created", zap.String("name", identity.Name), zap.String("did", identity.DID))
		return identity, nil
	}

	if _, ok := identity.EndpointFor(url); !ok {
		if _, err := did.AddEndpoint(identity, url); err != nil {
			return nil, err
		}
		if err := a.identities.Update(ctx, identity); err != nil {
			return nil, err
		}
		log.Info("endpoint registered", zap.String("did", identity.DID), zap.String("url", url))
	}
	return identity, nil
}

// Identity returns the local identity, nil before Start.
func (a *App) Identity() *model.Identity {
	return a.identity
}

func (a *App) Registry() *peer.Registry {
	return a.registry
}

// Peer returns the peer for id, resolving it on first use.
func (a *App) Peer(ctx context.Context, id string) (*peer.Peer, error) {
	if a.registry == nil {
		return nil, ErrNotStarted
	}
	return a.registry.GetOrCreate(ctx, model.DIDFromString(id), time.Time{})
}

// SendText sends text to the peer with DID id, chained after the last
// message sent to that peer.
func (a *App) SendText(ctx context.Context, id, text string) (*model.EncapsulatedMessage, error) {
	p, err := a.Peer(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.send(ctx, p, model.TypeChatText, model.TextPayload{Text: text}, true)
}

// MarkRead tells the peer with DID id that the given messages were read.
func (a *App) MarkRead(ctx context.Context, id string, hashes ...string) error {
	p, err := a.Peer(ctx, id)
	if err != nil {
		return err
	}
	_, err = a.send(ctx, p, model.TypeReadAck, model.AckPayload{Hashes: hashes}, false)
	return err
}

// SetRelationship records how the user regards the peer with DID id.
// Messages from blocked peers are dropped.
func (a *App) SetRelationship(ctx context.Context, id string, r model.Relationship) error {
	p, err := a.Peer(ctx, id)
	if err != nil {
		return err
	}
	return p.SetRelationship(r)
}

// SetProfile broadcasts the profile to every known peer and opens every
// later session with it.
func (a *App) SetProfile(ctx context.Context, profile model.ProfilePayload) error {
	if a.registry == nil {
		return ErrNotStarted
	}
	em, err := codec.Encapsulate(model.Message{Type: model.TypeProfile, Data: profile})
	if err != nil {
		return err
	}
	return a.registry.UpdateUserProfile(ctx, em)
}

// send encapsulates data and sends it to p. Chained messages extend the
// per-peer causal chain.
func (a *App) send(ctx context.Context, p *peer.Peer, typ model.MessageType, data any, chained bool) (*model.EncapsulatedMessage, error) {
	msg := model.Message{Type: typ, Data: data}

	a.mu.Lock()
	if chained {
		msg.After = a.heads[p.ID()]
	}
	em, err := codec.Encapsulate(msg)
	if err == nil && chained {
		a.heads[p.ID()] = em.SHA256
	}
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p.Touch(time.Now())
	if err := p.Send(ctx, em); err != nil {
		return em, err
	}
	return em, nil
}

// Close closes every peer and then every socket.
func (a *App) Close() error {
	if a.registry == nil {
		return nil
	}
	a.registry.CloseAll()
	return a.transport.CloseAllSockets()
}
