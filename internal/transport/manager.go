// Package transport multiplexes websockets to secure message endpoints, one
// per URL.
package transport

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"improto/internal/codec"
	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/encryption"
	"improto/internal/cryptographic/keys"
	"improto/internal/model"
	"improto/internal/session"
	"improto/internal/utils/log"
)

const (
	DefaultCloseTimeout = 3 * time.Second
	DefaultAckTimeout   = 30 * time.Second
)

// InboundHandler receives the decrypted content of each inbound data frame,
// already in causal order.
type InboundHandler func(ctx context.Context, s session.Session, msgs []*model.EncapsulatedMessage)

type Config struct {
	CloseTimeout time.Duration
	AckTimeout   time.Duration
	Dialer       *websocket.Dialer
}

type Manager struct {
	closeTimeout time.Duration
	ackTimeout   time.Duration
	dialer       *websocket.Dialer
	inbound      InboundHandler
	group        singleflight.Group

	mu      sync.Mutex
	sockets map[string]*Socket
}

func NewManager(cfg Config, inbound InboundHandler) *Manager {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if inbound == nil {
		inbound = func(context.Context, session.Session, []*model.EncapsulatedMessage) {}
	}
	return &Manager{
		closeTimeout: cfg.CloseTimeout,
		ackTimeout:   cfg.AckTimeout,
		dialer:       cfg.Dialer,
		inbound:      inbound,
		sockets:      make(map[string]*Socket),
	}
}

func (m *Manager) live(u string) (*Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sockets[u]
	if ok && s.Closed() {
		delete(m.sockets, u)
		return nil, false
	}
	return s, ok
}

// GetOrCreate returns the socket for u, dialing an outbound-only one if
// there is none.
func (m *Manager) GetOrCreate(ctx context.Context, u string) (*Socket, error) {
	if s, ok := m.live(u); ok {
		return s, nil
	}
	v, err, _ := m.group.Do(u, func() (any, error) {
		if s, ok := m.live(u); ok {
			return s, nil
		}
		conn, _, err := m.dialer.DialContext(ctx, u, nil)
		if err != nil {
			return nil, &Error{Op: "dial", URL: u, Err: err}
		}
		s := newSocket(u, conn, m.ackTimeout, nil)
		m.mu.Lock()
		m.sockets[u] = s
		m.mu.Unlock()
		log.Debug("socket opened", zap.String("url", u))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Socket), nil
}

// Send delivers ciphertext to the mailbox of preKey at u.
func (m *Manager) Send(ctx context.Context, u, preKey, sessionID string, ciphertext []byte) error {
	s, err := m.GetOrCreate(ctx, u)
	if err != nil {
		return err
	}
	err = s.Emit(ctx, model.Frame{
		Event:      model.EventData,
		PreKey:     preKey,
		SessionID:  sessionID,
		Ciphertext: ciphertext,
	})
	if err != nil {
		if errors.Is(err, ErrSocketClosed) || errors.Is(err, ErrAckTimeout) {
			m.drop(u, s)
		}
		return &Error{Op: "send", URL: u, Err: err}
	}
	return nil
}

func (m *Manager) drop(u string, s *Socket) {
	m.mu.Lock()
	if m.sockets[u] == s {
		delete(m.sockets, u)
	}
	m.mu.Unlock()
	go func() {
		_ = s.Close(m.closeTimeout)
	}()
}

// InitWithAuth opens an authenticated socket for identity's mailbox at
// cfg.URL and replaces whatever socket was open there. Inbound data is
// decrypted through sessions.
func (m *Manager) InitWithAuth(ctx context.Context, identity *model.Identity, cfg model.EndpointConfig, sessions *session.Manager) (*Socket, error) {
	cfg = cfg.WithDefaults()
	fail := func(err error) (*Socket, error) {
		return nil, &Error{Op: "auth", URL: cfg.URL, Err: err}
	}
	if cfg.KeyAlgorithm != model.KeyAlgorithmECDHP256 || cfg.EncryptionAlgorithm != model.EncryptionAlgorithmAESGCM {
		return fail(fmt.Errorf("unsupported algorithms %s/%s", cfg.KeyAlgorithm, cfg.EncryptionAlgorithm))
	}
	ep, ok := identity.EndpointFor(cfg.URL)
	if !ok {
		return fail(ErrNoEndpoint)
	}
	serverKey, err := keys.ImportP256(cfg.PublicKey)
	if err != nil {
		return fail(err)
	}
	authPriv, err := identity.AuthPrivate()
	if err != nil {
		return fail(err)
	}
	authKey, err := keys.ExportP256(authPriv.PublicKey())
	if err != nil {
		return fail(err)
	}
	authSig, err := keys.SignKey(identity.SigningKey(), authKey)
	if err != nil {
		return fail(err)
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return fail(err)
	}
	q := target.Query()
	q.Set(model.ParamPreKey, ep.PreKey)
	q.Set(model.ParamPreKeySig, ep.Signature)
	q.Set(model.ParamIdentity, identity.Document.IdentityKey)
	q.Set(model.ParamAuthKey, authKey)
	q.Set(model.ParamAuthSig, authSig)
	target.RawQuery = q.Encode()

	conn, _, err := m.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fail(err)
	}
	if err := m.answerChallenge(ctx, conn, cfg, authPriv, serverKey); err != nil {
		conn.Close()
		return fail(err)
	}

	s := newSocket(cfg.URL, conn, m.ackTimeout, func(f model.Frame) {
		m.handleData(sessions, cfg.URL, f)
	})

	m.mu.Lock()
	old := m.sockets[cfg.URL]
	m.sockets[cfg.URL] = s
	m.mu.Unlock()
	if old != nil {
		go func() {
			if err := old.Close(m.closeTimeout); err != nil {
				log.Debug("close replaced socket", zap.String("url", cfg.URL), zap.Error(err))
			}
		}()
	}
	log.Info("authenticated with endpoint", zap.String("url", cfg.URL))
	return s, nil
}

// answerChallenge proves possession of the auth key: the endpoint's
// challenge is sealed under ECDH(auth key, endpoint key).
func (m *Manager) answerChallenge(ctx context.Context, conn *websocket.Conn, cfg model.EndpointConfig, authPriv *ecdh.PrivateKey, serverKey *ecdh.PublicKey) error {
	deadline := time.Now().Add(m.ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	var challenge model.Frame
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Event != model.EventChallenge {
		return fmt.Errorf("%w: got %q, want challenge", ErrAuthFailed, challenge.Event)
	}

	key, err := dh.DeriveSymmetricKey(authPriv, serverKey, model.ChallengeInfo)
	if err != nil {
		return err
	}
	plain, err := encryption.Open(key, challenge.IV, challenge.Ciphertext, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := conn.WriteJSON(model.Frame{Event: model.EventAuth, Challenge: cfg.EncodeChallenge(plain)}); err != nil {
		return err
	}

	var result model.Frame
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if result.Event != model.EventAuthOK {
		return fmt.Errorf("%w: %s", ErrAuthFailed, result.Error)
	}
	return nil
}

func (m *Manager) handleData(sessions *session.Manager, u string, f model.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), m.ackTimeout)
	defer cancel()

	s, msgs, err := sessions.ParseIncoming(ctx, f.SessionID, f.Ciphertext)
	if err != nil {
		log.Warn("drop undecryptable frame",
			zap.String("url", u),
			zap.String("session", f.SessionID),
			zap.Error(err))
		return
	}
	valid := msgs[:0]
	for _, msg := range msgs {
		if err := codec.Verify(msg); err != nil {
			log.Warn("drop message with bad hash", zap.String("session", f.SessionID), zap.Error(err))
			continue
		}
		valid = append(valid, msg)
	}
	m.inbound(ctx, s, codec.SortCausal(valid))
}

// CloseSocket closes the socket at u, if any.
func (m *Manager) CloseSocket(u string) error {
	m.mu.Lock()
	s, ok := m.sockets[u]
	delete(m.sockets, u)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.Close(m.closeTimeout); err != nil {
		return &Error{Op: "close", URL: u, Err: err}
	}
	return nil
}

// CloseAllSockets closes every socket concurrently. A socket that does not
// close in time fails on its own; the others still close.
func (m *Manager) CloseAllSockets() error {
	m.mu.Lock()
	sockets := m.sockets
	m.sockets = make(map[string]*Socket)
	m.mu.Unlock()

	errs := make(chan error, len(sockets))
	var wg sync.WaitGroup
	for u, s := range sockets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Close(m.closeTimeout); err != nil {
				log.Warn("socket close failed", zap.String("url", u), zap.Error(err))
				errs <- &Error{Op: "close", URL: u, Err: err}
			}
		}()
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}
