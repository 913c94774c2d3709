package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"improto/internal/model"
	"improto/internal/utils/log"
)

// Socket is one websocket to an endpoint. Outbound-only sockets just emit
// frames; authenticated sockets also receive data for the identity's
// mailbox.
type Socket struct {
	url        string
	conn       *websocket.Conn
	ackTimeout time.Duration
	onData     func(model.Frame)

	// inbound data frames waiting for dispatch; never bounded so the read
	// loop keeps reading acks while a handler emits
	inboxMu sync.Mutex
	inbox   []model.Frame
	wake    chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan model.Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(url string, conn *websocket.Conn, ackTimeout time.Duration, onData func(model.Frame)) *Socket {
	s := &Socket{
		url:        url,
		conn:       conn,
		ackTimeout: ackTimeout,
		onData:     onData,
		pending:    make(map[string]chan model.Frame),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if onData != nil {
		go s.dispatch()
	}
	go s.readLoop()
	return s
}

// dispatch hands data frames to onData in arrival order, off the read loop,
// so a handler may emit on this socket and still receive its ack.
func (s *Socket) dispatch() {
	for {
		batch := s.takeInbox()
		for _, f := range batch {
			s.onData(f)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			for _, f := range s.takeInbox() {
				s.onData(f)
			}
			return
		}
	}
}

func (s *Socket) takeInbox() []model.Frame {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	batch := s.inbox
	s.inbox = nil
	return batch
}

func (s *Socket) pushInbox(f model.Frame) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, f)
	s.inboxMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Socket) URL() string {
	return s.url
}

// Authenticated reports whether the socket receives inbound data.
func (s *Socket) Authenticated() bool {
	return s.onData != nil
}

func (s *Socket) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug("socket read ended", zap.String("url", s.url), zap.Error(err))
			}
			return
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("drop malformed frame", zap.String("url", s.url), zap.Error(err))
			continue
		}

		switch f.Event {
		case model.EventAck, model.EventNack:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case model.EventData:
			if s.onData != nil {
				s.pushInbox(f)
			}
		default:
			log.Debug("ignore frame", zap.String("url", s.url), zap.String("event", f.Event))
		}
	}
}

func (s *Socket) write(f model.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// Emit writes f and waits for the endpoint's ack.
func (s *Socket) Emit(ctx context.Context, f model.Frame) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	ch := make(chan model.Frame, 1)
	s.mu.Lock()
	s.pending[f.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}()

	if s.Closed() {
		return ErrSocketClosed
	}
	if err := s.write(f); err != nil {
		return err
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Event == model.EventNack {
			return fmt.Errorf("%w: %s", ErrNotAcknowledged, resp.Error)
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-s.done:
		return ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close asks the endpoint to close and waits for it to echo the close
// frame, at most timeout. The connection is released either way.
func (s *Socket) Close(timeout time.Duration) error {
	var err error
	s.closeOnce.Do(func() {
		defer s.conn.Close()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.writeMu.Lock()
		werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		s.writeMu.Unlock()
		if werr != nil && !s.Closed() {
			err = werr
			return
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			err = ErrCloseTimeout
		}
	})
	return err
}
