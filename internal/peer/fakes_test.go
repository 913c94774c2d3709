package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"improto/internal/codec"
	"improto/internal/did"
	"improto/internal/model"
	"improto/internal/session"
)

var errSend = errors.New("socket gone")

type fakeSession struct {
	id string
}

func (s *fakeSession) ID() string              { return s.id }
func (s *fakeSession) PeerIdentityKey() string { return "" }
func (s *fakeSession) CreatedAt() time.Time    { return time.Time{} }
func (s *fakeSession) IsExpired() bool         { return false }
func (s *fakeSession) Encrypt(msgs []*model.EncapsulatedMessage) ([]byte, error) {
	out := make([]byte, 0)
	for _, m := range msgs {
		out = append(out, m.SHA256...)
		out = append(out, ',')
	}
	return out, nil
}

type fakeSessions struct {
	created atomic.Int32
	err     error
}

func (f *fakeSessions) CreateSession(_ context.Context, _ *model.DIDDocument, ep model.Endpoint) (session.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.created.Add(1)
	return &fakeSession{id: ep.URL + "#" + string(rune('0'+n))}, nil
}

type sent struct {
	url, sessionID string
	ciphertext     string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	failing map[string]bool
	// entered and release let a test park a send in flight
	entered chan struct{}
	release chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{failing: map[string]bool{}}
}

func (f *fakeSender) Send(_ context.Context, url, _, sessionID string, ct []byte) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[url] {
		return errSend
	}
	f.sent = append(f.sent, sent{url: url, sessionID: sessionID, ciphertext: string(ct)})
	return nil
}

func (f *fakeSender) fail(url string, v bool) {
	f.mu.Lock()
	f.failing[url] = v
	f.mu.Unlock()
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type statusEvent struct {
	status model.MessageStatus
	hashes []string
}

type recordingListener struct {
	mu     sync.Mutex
	status []statusEvent
}

func (l *recordingListener) OnData(string, *model.EncapsulatedMessage) {}

func (l *recordingListener) OnStatus(status model.MessageStatus, hashes []string) {
	l.mu.Lock()
	l.status = append(l.status, statusEvent{status, hashes})
	l.mu.Unlock()
}

func (l *recordingListener) events() []statusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]statusEvent(nil), l.status...)
}

func msg(t *testing.T, text, after string) *model.EncapsulatedMessage {
	t.Helper()
	em, err := codec.Encapsulate(model.Message{Type: model.TypeChatText, Data: model.TextPayload{Text: text}, After: after})
	require.NoError(t, err)
	return em
}

// remote generates a valid document with the given endpoint urls.
func remote(t *testing.T, urls ...string) *model.DIDDocument {
	t.Helper()
	identity, _, err := did.NewDocumentResolver().Generate(context.Background())
	require.NoError(t, err)
	for _, u := range urls {
		_, err := did.AddEndpoint(identity, u)
		require.NoError(t, err)
	}
	return identity.Document.Clone()
}

func hashes(msgs []*model.EncapsulatedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.SHA256)
	}
	return out
}
