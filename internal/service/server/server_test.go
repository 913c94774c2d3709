package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/keys"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/service/redis"
)

type memDocuments struct {
	mu   sync.Mutex
	docs map[string]*model.DIDDocument
}

func (m *memDocuments) Get(_ context.Context, id string) (*model.DIDDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id], nil
}

func (m *memDocuments) Put(_ context.Context, doc *model.DIDDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func newTestServer(t *testing.T) (*HttpServer, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	key, err := dh.NewP256KeyPair()
	require.NoError(t, err)
	srv, err := NewHttpServer("", "ws://relay.test/ws", key, redis.NewRedis(rdb), &memDocuments{docs: map[string]*model.DIDDocument{}})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func generate(t *testing.T) *model.Identity {
	t.Helper()
	identity, _, err := did.NewDocumentResolver().Generate(context.Background())
	require.NoError(t, err)
	_, err = did.AddEndpoint(identity, "ws://relay.test/ws")
	require.NoError(t, err)
	return identity
}

func put(t *testing.T, ts *httptest.Server, doc *model.DIDDocument) int {
	t.Helper()
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/did", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestGetConfig(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cfg model.EndpointConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, srv.Config(), cfg)
	assert.Equal(t, model.KeyAlgorithmECDHP256, cfg.KeyAlgorithm)
	assert.Equal(t, model.EncryptionAlgorithmAESGCM, cfg.EncryptionAlgorithm)
	assert.Equal(t, model.ChallengeEncodingBase64, cfg.ChallengeEncoding)
	_, err = keys.ImportP256(cfg.PublicKey)
	assert.NoError(t, err)
}

func TestDocuments(t *testing.T) {
	_, ts := newTestServer(t)
	identity := generate(t)
	doc := identity.Document

	resp, err := ts.Client().Get(ts.URL + "/did/" + doc.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusNoContent, put(t, ts, doc))

	resp, err = ts.Client().Get(ts.URL + "/did/" + doc.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.DIDDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, *doc, got)

	tampered := doc.Clone()
	tampered.Endpoints[0].URL = "ws://elsewhere"
	tampered.Endpoints[0].PreKey = generate(t).Document.Endpoints[0].PreKey
	assert.Equal(t, http.StatusBadRequest, put(t, ts, tampered))
}

func TestWSRejectsBadSignature(t *testing.T) {
	_, ts := newTestServer(t)
	identity := generate(t)
	ep := identity.Document.Endpoints[0]

	q := url.Values{}
	q.Set(model.ParamPreKey, ep.PreKey)
	q.Set(model.ParamPreKeySig, ep.Signature)
	q.Set(model.ParamIdentity, generate(t).Document.IdentityKey)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + q.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousSocketQueuesForOfflineMailbox(t *testing.T) {
	srv, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := model.Frame{Event: model.EventData, ID: "1", PreKey: "pk", SessionID: "s", Ciphertext: []byte("ct")}
	require.NoError(t, conn.WriteJSON(frame))
	var ack model.Frame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, model.Frame{Event: model.EventAck, ID: "1"}, ack)

	queued, err := srv.redisService.DrainMailbox(context.Background(), "pk")
	require.NoError(t, err)
	assert.Equal(t, []model.Frame{frame}, queued)

	require.NoError(t, conn.WriteJSON(model.Frame{Event: model.EventData, ID: "2"}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, model.EventNack, ack.Event)
	assert.Equal(t, "2", ack.ID)
}
