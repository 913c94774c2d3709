package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"improto/internal/codec"
	"improto/internal/cryptographic/dh"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/protocol/ratchet"
	"improto/internal/service/redis"
	"improto/internal/service/server"
	"improto/internal/session"
)

type relay struct {
	url    string
	config model.EndpointConfig
}

func startRelay(t *testing.T) relay {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	key, err := dh.NewP256KeyPair()
	require.NoError(t, err)
	srv, err := server.NewHttpServer("", "", key, redis.NewRedis(rdb), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	cfg := srv.Config()
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return relay{url: cfg.URL, config: cfg}
}

type user struct {
	identity *model.Identity
	endpoint model.Endpoint
	sessions *session.Manager
}

func newUser(t *testing.T, url string) user {
	t.Helper()
	identity, _, err := did.NewDocumentResolver().Generate(context.Background())
	require.NoError(t, err)
	ep, err := did.AddEndpoint(identity, url)
	require.NoError(t, err)
	return user{
		identity: identity,
		endpoint: ep,
		sessions: session.NewManager(identity, ratchet.NewEngine(0, nil)),
	}
}

type received struct {
	session session.Session
	msgs    []*model.EncapsulatedMessage
}

func collector() (InboundHandler, chan received) {
	ch := make(chan received, 16)
	return func(_ context.Context, s session.Session, msgs []*model.EncapsulatedMessage) {
		ch <- received{s, msgs}
	}, ch
}

func seal(t *testing.T, from, to user, texts ...string) (string, []byte, []*model.EncapsulatedMessage) {
	t.Helper()
	s, err := from.sessions.CreateSession(context.Background(), to.identity.Document, to.endpoint)
	require.NoError(t, err)
	var batch []*model.EncapsulatedMessage
	after := ""
	for _, text := range texts {
		em, err := codec.Encapsulate(model.Message{Type: model.TypeChatText, Data: model.TextPayload{Text: text}, After: after})
		require.NoError(t, err)
		batch = append(batch, em)
		after = em.SHA256
	}
	ct, err := s.Encrypt(batch)
	require.NoError(t, err)
	return s.ID(), ct, batch
}

func wait(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound data")
		return received{}
	}
}

func TestDeliverToOnlineMailbox(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice, bob := newUser(t, r.url), newUser(t, r.url)

	handler, inbox := collector()
	bobTransport := NewManager(Config{}, handler)
	defer bobTransport.CloseAllSockets()
	sock, err := bobTransport.InitWithAuth(ctx, bob.identity, r.config, bob.sessions)
	require.NoError(t, err)
	assert.True(t, sock.Authenticated())

	aliceTransport := NewManager(Config{}, nil)
	defer aliceTransport.CloseAllSockets()

	id, ct, batch := seal(t, alice, bob, "one", "two")
	require.NoError(t, aliceTransport.Send(ctx, r.url, bob.endpoint.PreKey, id, ct))

	got := wait(t, inbox)
	assert.Equal(t, id, got.session.ID())
	assert.Equal(t, alice.identity.Document.IdentityKey, got.session.PeerIdentityKey())
	assert.Equal(t, batch, got.msgs)

	s, ok := bob.sessions.GetByID(id)
	require.True(t, ok)
	assert.Same(t, got.session, s)
}

func TestOfflineMailboxIsForwarded(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice, bob := newUser(t, r.url), newUser(t, r.url)

	aliceTransport := NewManager(Config{}, nil)
	defer aliceTransport.CloseAllSockets()
	id, ct, batch := seal(t, alice, bob, "while you were out")
	require.NoError(t, aliceTransport.Send(ctx, r.url, bob.endpoint.PreKey, id, ct))

	handler, inbox := collector()
	bobTransport := NewManager(Config{}, handler)
	defer bobTransport.CloseAllSockets()
	_, err := bobTransport.InitWithAuth(ctx, bob.identity, r.config, bob.sessions)
	require.NoError(t, err)

	assert.Equal(t, batch, wait(t, inbox).msgs)
}

func TestLargeMailboxWithRepliesOnSameSocket(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	alice, bob := newUser(t, r.url), newUser(t, r.url)

	const frames = 100
	aliceTransport := NewManager(Config{}, nil)
	defer aliceTransport.CloseAllSockets()
	for i := 0; i < frames; i++ {
		id, ct, _ := seal(t, alice, bob, fmt.Sprintf("queued %d", i))
		require.NoError(t, aliceTransport.Send(ctx, r.url, bob.endpoint.PreKey, id, ct))
	}

	var (
		mu      sync.Mutex
		handled int
		errs    []error
	)
	finished := make(chan struct{})
	var bobTransport *Manager
	bobTransport = NewManager(Config{AckTimeout: 5 * time.Second}, func(ctx context.Context, s session.Session, _ []*model.EncapsulatedMessage) {
		err := bobTransport.Send(ctx, r.url, alice.endpoint.PreKey, s.ID(), []byte("reply"))
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
		handled++
		if handled == frames {
			close(finished)
		}
	})
	defer bobTransport.CloseAllSockets()
	sock, err := bobTransport.InitWithAuth(ctx, bob.identity, r.config, bob.sessions)
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(20 * time.Second):
		t.Fatal("mailbox not drained")
	}
	mu.Lock()
	assert.Empty(t, errs)
	mu.Unlock()
	assert.False(t, sock.Closed())
	current, err := bobTransport.GetOrCreate(ctx, r.url)
	require.NoError(t, err)
	assert.Same(t, sock, current)
}

func TestInitWithAuthFailures(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	bob := newUser(t, r.url)
	m := NewManager(Config{}, nil)
	defer m.CloseAllSockets()

	wrongKey := r.config
	wrongKey.PublicKey = startRelay(t).config.PublicKey

	_, err := m.InitWithAuth(ctx, bob.identity, wrongKey, bob.sessions)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "auth", terr.Op)
	assert.ErrorIs(t, err, ErrAuthFailed)

	hex := r.config
	hex.ChallengeEncoding = model.ChallengeEncodingHex
	_, err = m.InitWithAuth(ctx, bob.identity, hex, bob.sessions)
	assert.ErrorIs(t, err, ErrAuthFailed)

	unknown := r.config
	unknown.URL = r.url + "?other"
	_, err = m.InitWithAuth(ctx, bob.identity, unknown, bob.sessions)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestReauthReplacesSocket(t *testing.T) {
	ctx := context.Background()
	r := startRelay(t)
	bob := newUser(t, r.url)
	m := NewManager(Config{}, nil)
	defer m.CloseAllSockets()

	plain, err := m.GetOrCreate(ctx, r.url)
	require.NoError(t, err)
	again, err := m.GetOrCreate(ctx, r.url)
	require.NoError(t, err)
	assert.Same(t, plain, again)
	assert.False(t, plain.Authenticated())

	authed, err := m.InitWithAuth(ctx, bob.identity, r.config, bob.sessions)
	require.NoError(t, err)
	current, err := m.GetOrCreate(ctx, r.url)
	require.NoError(t, err)
	assert.Same(t, authed, current)
	assert.Eventually(t, plain.Closed, 5*time.Second, 10*time.Millisecond)
}

func TestSendRejected(t *testing.T) {
	r := startRelay(t)
	m := NewManager(Config{}, nil)
	defer m.CloseAllSockets()

	err := m.Send(context.Background(), r.url, "pk", "", []byte("x"))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, r.url, terr.URL)
	assert.ErrorIs(t, err, ErrNotAcknowledged)

	err = m.Send(context.Background(), "ws://127.0.0.1:1/ws", "pk", "s", []byte("x"))
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
}

func TestCloseAllSocketsTimesOutIndividually(t *testing.T) {
	r := startRelay(t)

	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer stuck.Close()
	defer close(release)

	m := NewManager(Config{CloseTimeout: 200 * time.Millisecond}, nil)
	ctx := context.Background()
	_, err := m.GetOrCreate(ctx, r.url)
	require.NoError(t, err)
	_, err = m.GetOrCreate(ctx, "ws"+strings.TrimPrefix(stuck.URL, "http"))
	require.NoError(t, err)

	start := time.Now()
	err = m.CloseAllSockets()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, ErrCloseTimeout)
	assert.NotContains(t, err.Error(), r.url)

	assert.NoError(t, m.CloseAllSockets())
}
