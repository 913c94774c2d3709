package server

import (
	"context"
	"crypto/ecdh"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"improto/internal/cryptographic/keys"
	"improto/internal/model"
	"improto/internal/service/redis"
	"improto/internal/utils/log"
)

const (
	authTimeout = 10 * time.Second
	mailboxTTL  = 7 * 24 * time.Hour
)

type (
	// DocumentStore persists published DID documents. Get returns nil, nil
	// for unknown ids.
	DocumentStore interface {
		Get(ctx context.Context, id string) (*model.DIDDocument, error)
		Put(ctx context.Context, doc *model.DIDDocument) error
	}

	// HttpServer is a secure message endpoint: it authenticates mailbox
	// owners, forwards data frames between them and keeps frames for
	// offline mailboxes in redis.
	HttpServer struct {
		addr         string
		key          *ecdh.PrivateKey
		config       model.EndpointConfig
		upgrader     websocket.Upgrader
		redisService *redis.RedisService
		documents    DocumentStore

		mu        sync.RWMutex
		mailboxes map[string]*client
	}
)

// NewHttpServer creates a relay listening on addr and advertising publicURL.
// documents may be nil, in which case the /did routes are not served.
func NewHttpServer(addr, publicURL string, key *ecdh.PrivateKey, redisSvc *redis.RedisService, documents DocumentStore) (*HttpServer, error) {
	pub, err := keys.ExportP256(key.PublicKey())
	if err != nil {
		return nil, err
	}
	return &HttpServer{
		addr: addr,
		key:  key,
		config: model.EndpointConfig{
			URL:       publicURL,
			PublicKey: pub,
		}.WithDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		redisService: redisSvc,
		documents:    documents,
		mailboxes:    make(map[string]*client),
	}, nil
}

func (s *HttpServer) Config() model.EndpointConfig {
	return s.config
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/config", s.GetConfig()).Methods(http.MethodGet)
	if s.documents != nil {
		r.HandleFunc("/did/{id}", s.GetDocument()).Methods(http.MethodGet)
		r.HandleFunc("/did", s.PutDocument()).Methods(http.MethodPut)
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", s.addr), zap.String("url", s.config.URL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeMailboxes()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) closeMailboxes() {
	s.mu.Lock()
	clients := s.mailboxes
	s.mailboxes = make(map[string]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *HttpServer) GetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.config)
	}
}
