package wa

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"bot-match/internal/repo"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

type sentText struct {
	to   types.JID
	text string
}

type fakeConn struct {
	sessionID string
	attempt   int
	sink      EventSink
	onConnect func(c *fakeConn)

	mu           sync.Mutex
	connects     int
	loggedOut    bool
	disconnected bool
	sent         []sentText
}

func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	c.connects++
	fn := c.onConnect
	c.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	c.disconnected = true
	return nil
}

func (c *fakeConn) SendText(_ context.Context, to types.JID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentText{to: to, text: text})
	return nil
}

func (c *fakeConn) SendImage(_ context.Context, to types.JID, _ []byte, _, caption string) error {
	return c.SendText(context.Background(), to, caption)
}

func (c *fakeConn) DownloadMedia(context.Context, *waProto.Message) ([]byte, string, error) {
	return []byte("jpeg"), "image/jpeg", nil
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeConn) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *fakeConn) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.sent...)
}

// fakeDialer creates fakeConns and lets tests script what each attempt emits on Connect.
type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	script func(sessionID string, attempt int, c *fakeConn)
}

func (d *fakeDialer) Dial(_ context.Context, sessionID, authDir string, sink EventSink) (Conn, error) {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := 1
	for _, c := range d.conns {
		if c.sessionID == sessionID {
			attempt++
		}
	}
	c := &fakeConn{sessionID: sessionID, attempt: attempt, sink: sink}
	if d.script != nil {
		script := d.script
		c.onConnect = func(c *fakeConn) { script(sessionID, attempt, c) }
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) attempts(sessionID string) []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeConn
	for _, c := range d.conns {
		if c.sessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*repo.Session
}

func newFakeSessionStore(seed ...repo.Session) *fakeSessionStore {
	s := &fakeSessionStore{sessions: make(map[string]*repo.Session)}
	for i := range seed {
		row := seed[i]
		s.sessions[row.ID] = &row
	}
	return s
}

func (s *fakeSessionStore) UpsertSession(_ context.Context, id, displayName string) (*repo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		row = &repo.Session{ID: id, CreatedAt: time.Now()}
		s.sessions[id] = row
	}
	if displayName != "" {
		row.DisplayName = displayName
	}
	row.UpdatedAt = time.Now()
	out := *row
	return &out, nil
}

func (s *fakeSessionStore) MarkSessionConnected(_ context.Context, id, number, displayName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		row = &repo.Session{ID: id}
		s.sessions[id] = row
	}
	row.Number = number
	if displayName != "" {
		row.DisplayName = displayName
	}
	row.IsActive = true
	row.ConnectedAt = &at
	return nil
}

func (s *fakeSessionStore) SetSessionActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return repo.ErrNotFound
	}
	row.IsActive = active
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, id string) (*repo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (s *fakeSessionStore) FindActiveSessionByNumber(_ context.Context, number string) (*repo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.sessions {
		if row.IsActive && row.Number == number {
			out := *row
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeSessionStore) ListSessions(context.Context) ([]repo.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repo.Session, 0, len(s.sessions))
	for _, row := range s.sessions {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeSessionStore) get(id string) repo.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.sessions[id]; ok {
		return *row
	}
	return repo.Session{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
