package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/encryption"
	"improto/internal/cryptographic/keys"
	"improto/internal/model"
	"improto/internal/utils/log"
)

// client is one websocket; mailbox is set once the peer proved it owns a
// pre-key.
type client struct {
	conn    *websocket.Conn
	mailbox string

	writeMu sync.Mutex
}

func (c *client) write(f model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(authTimeout))
	return c.conn.WriteJSON(f)
}

type authRequest struct {
	preKey  string
	authKey string
}

func parseAuth(r *http.Request) (*authRequest, error) {
	q := r.URL.Query()
	preKey := q.Get(model.ParamPreKey)
	if preKey == "" {
		return nil, nil
	}
	ik := q.Get(model.ParamIdentity)
	if err := keys.VerifyKey(ik, preKey, q.Get(model.ParamPreKeySig)); err != nil {
		return nil, fmt.Errorf("pre-key: %w", err)
	}
	authKey := q.Get(model.ParamAuthKey)
	if err := keys.VerifyKey(ik, authKey, q.Get(model.ParamAuthSig)); err != nil {
		return nil, fmt.Errorf("auth key: %w", err)
	}
	return &authRequest{preKey: preKey, authKey: authKey}, nil
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := parseAuth(r)
		if err != nil {
			log.Warn("reject socket", zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}
		c := &client{conn: conn}

		if auth != nil {
			if err := s.challenge(c, auth); err != nil {
				log.Warn("authentication failed", zap.Error(err))
				_ = c.write(model.Frame{Event: model.EventAuthFailed, Error: err.Error()})
				conn.Close()
				return
			}
			c.mailbox = auth.preKey
			s.register(c)
			if err := s.ForwardUnsentMessages(r.Context(), c); err != nil {
				log.Error("forward msg failed", zap.Error(err))
			}
		}
		s.processWSMessage(c)
	}
}

func (s *HttpServer) challenge(c *client, auth *authRequest) error {
	authKey, err := keys.ImportP256(auth.authKey)
	if err != nil {
		return err
	}
	key, err := dh.DeriveSymmetricKey(s.key, authKey, model.ChallengeInfo)
	if err != nil {
		return err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	iv, err := encryption.NewIV()
	if err != nil {
		return err
	}
	ct, err := encryption.Seal(key, iv, secret, nil)
	if err != nil {
		return err
	}
	if err := c.write(model.Frame{Event: model.EventChallenge, IV: iv, Ciphertext: ct}); err != nil {
		return err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	var reply model.Frame
	if err := c.conn.ReadJSON(&reply); err != nil {
		return err
	}
	answer, err := s.config.DecodeChallenge(reply.Challenge)
	if err != nil || reply.Event != model.EventAuth || subtle.ConstantTimeCompare(answer, secret) != 1 {
		return errors.New("challenge mismatch")
	}
	return c.write(model.Frame{Event: model.EventAuthOK})
}

// register makes c the live mailbox for its pre-key, closing any older
// socket for the same mailbox.
func (s *HttpServer) register(c *client) {
	s.mu.Lock()
	old := s.mailboxes[c.mailbox]
	s.mailboxes[c.mailbox] = c
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
	log.Debug("mailbox online", zap.String("preKey", c.mailbox))
}

func (s *HttpServer) unregister(c *client) {
	s.mu.Lock()
	if s.mailboxes[c.mailbox] == c {
		delete(s.mailboxes, c.mailbox)
	}
	s.mu.Unlock()
}

func (s *HttpServer) processWSMessage(c *client) {
	defer func() {
		if c.mailbox != "" {
			s.unregister(c)
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			return
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error("Unmarshal frame failed", zap.Error(err))
			continue
		}
		if f.Event != model.EventData {
			continue
		}

		reply := model.Frame{Event: model.EventAck, ID: f.ID}
		if err := s.deliver(context.Background(), f); err != nil {
			log.Error("deliver frame failed", zap.String("preKey", f.PreKey), zap.Error(err))
			reply = model.Frame{Event: model.EventNack, ID: f.ID, Error: err.Error()}
		}
		if err := c.write(reply); err != nil {
			log.Debug("write ack failed", zap.Error(err))
			return
		}
	}
}

// deliver forwards f to its mailbox when online and queues it otherwise.
func (s *HttpServer) deliver(ctx context.Context, f model.Frame) error {
	if f.PreKey == "" || f.SessionID == "" || len(f.Ciphertext) == 0 {
		return errors.New("incomplete data frame")
	}
	out := model.Frame{Event: model.EventData, ID: f.ID, PreKey: f.PreKey, SessionID: f.SessionID, Ciphertext: f.Ciphertext}

	s.mu.RLock()
	target, ok := s.mailboxes[f.PreKey]
	s.mu.RUnlock()
	if ok {
		if err := target.write(out); err == nil {
			return nil
		}
		s.unregister(target)
	}
	return s.PutMessagesToCache(ctx, f.PreKey, out)
}
