package ratchet

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"improto/internal/codec"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/session"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) SaveState(_ context.Context, id string, state []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = state
	return nil
}

func (m *memStore) LoadState(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[id]
	if !ok {
		return nil, ErrStateNotFound
	}
	return raw, nil
}

type party struct {
	identity *model.Identity
	endpoint model.Endpoint
}

func newParty(t *testing.T) party {
	t.Helper()
	identity, _, err := did.NewDocumentResolver().Generate(context.Background())
	require.NoError(t, err)
	ep, err := did.AddEndpoint(identity, "ws://relay")
	require.NoError(t, err)
	return party{identity: identity, endpoint: ep}
}

func text(t *testing.T, s string) []*model.EncapsulatedMessage {
	t.Helper()
	em, err := codec.Encapsulate(model.Message{Type: model.TypeChatText, Data: model.TextPayload{Text: s}})
	require.NoError(t, err)
	return []*model.EncapsulatedMessage{em}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t), newParty(t)
	aliceEngine, bobEngine := NewEngine(0, nil), NewEngine(0, nil)

	out, err := aliceEngine.CreateSession(ctx, alice.identity, bob.identity.Document, bob.endpoint)
	require.NoError(t, err)
	assert.Equal(t, bob.identity.Document.IdentityKey, out.PeerIdentityKey())
	assert.False(t, out.IsExpired())

	batch := text(t, "hi bob")
	ct, err := out.Encrypt(batch)
	require.NoError(t, err)

	in, msgs, err := bobEngine.ParseSession(ctx, bob.identity, out.ID(), ct)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), in.ID())
	assert.Equal(t, alice.identity.Document.IdentityKey, in.PeerIdentityKey())
	assert.Equal(t, batch, msgs)

	reply := text(t, "hi alice")
	ct, err = in.Encrypt(reply)
	require.NoError(t, err)
	_, msgs, err = aliceEngine.ParseSession(ctx, alice.identity, out.ID(), ct)
	require.NoError(t, err)
	assert.Equal(t, reply, msgs)
}

func TestBootstrapFromLaterMessage(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t), newParty(t)
	out, err := NewEngine(0, nil).CreateSession(ctx, alice.identity, bob.identity.Document, bob.endpoint)
	require.NoError(t, err)

	_, err = out.Encrypt(text(t, "lost"))
	require.NoError(t, err)
	ct, err := out.Encrypt(text(t, "second"))
	require.NoError(t, err)

	_, msgs, err := NewEngine(0, nil).ParseSession(ctx, bob.identity, out.ID(), ct)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestParseFailures(t *testing.T) {
	ctx := context.Background()
	alice, bob, eve := newParty(t), newParty(t), newParty(t)
	out, err := NewEngine(0, nil).CreateSession(ctx, alice.identity, bob.identity.Document, bob.endpoint)
	require.NoError(t, err)
	ct, err := out.Encrypt(text(t, "secret"))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(ct, &env))
	env.Body[len(env.Body)-1] ^= 1
	tampered, err := env.marshal()
	require.NoError(t, err)

	var serr *session.Error
	_, _, err = NewEngine(0, nil).ParseSession(ctx, bob.identity, out.ID(), tampered)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "parse", serr.Op)

	_, _, err = NewEngine(0, nil).ParseSession(ctx, eve.identity, out.ID(), ct)
	assert.ErrorIs(t, err, model.ErrUnknownPreKey)

	_, _, err = NewEngine(0, nil).ParseSession(ctx, bob.identity, out.ID(), []byte("junk"))
	assert.ErrorAs(t, err, &serr)

	env.Handshake = nil
	bare, err := env.marshal()
	require.NoError(t, err)
	_, _, err = NewEngine(0, nil).ParseSession(ctx, bob.identity, "other", bare)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCreateSessionRejectsUnsignedEndpoint(t *testing.T) {
	alice, bob, eve := newParty(t), newParty(t), newParty(t)
	forged := bob.endpoint
	forged.PreKey = eve.endpoint.PreKey

	_, err := NewEngine(0, nil).CreateSession(context.Background(), alice.identity, bob.identity.Document, forged)
	var serr *session.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create", serr.Op)
}

func TestExpiry(t *testing.T) {
	alice, bob := newParty(t), newParty(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := NewEngine(time.Hour, nil)
	engine.clock = func() time.Time { return now }

	s, err := engine.CreateSession(context.Background(), alice.identity, bob.identity.Document, bob.endpoint)
	require.NoError(t, err)
	assert.False(t, s.IsExpired())
	assert.Equal(t, now, s.CreatedAt())

	now = now.Add(time.Hour)
	assert.True(t, s.IsExpired())

	_, err = engine.CreateSession(context.Background(), alice.identity, bob.identity.Document, bob.endpoint)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Len())
}

func TestStateRestoredAfterRestart(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParty(t), newParty(t)
	store := newMemStore()

	out, err := NewEngine(0, store).CreateSession(ctx, alice.identity, bob.identity.Document, bob.endpoint)
	require.NoError(t, err)
	ct, err := out.Encrypt(text(t, "ping"))
	require.NoError(t, err)

	in, _, err := NewEngine(0, nil).ParseSession(ctx, bob.identity, out.ID(), ct)
	require.NoError(t, err)
	ct, err = in.Encrypt(text(t, "pong"))
	require.NoError(t, err)

	restarted := NewEngine(0, store)
	s, msgs, err := restarted.ParseSession(ctx, alice.identity, out.ID(), ct)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), s.ID())
	require.Len(t, msgs, 1)

	pong, err := codec.Decode[model.TextPayload](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "pong", pong.Text)
}
