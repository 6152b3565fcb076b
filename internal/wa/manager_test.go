package wa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bot-match/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const testDelay = 30 * time.Millisecond

type managerFixture struct {
	manager *Manager
	dialer  *fakeDialer
	store   *fakeSessionStore
	auth    *AuthStore
	root    string
}

func newManagerFixture(t *testing.T, store *fakeSessionStore, script func(string, int, *fakeConn)) *managerFixture {
	t.Helper()
	root := t.TempDir()
	if store == nil {
		store = newFakeSessionStore()
	}
	dialer := &fakeDialer{script: script}
	auth := NewAuthStore(root)
	m := NewManager(Config{
		CountryCode:    "92",
		ReconnectDelay: testDelay,
		PairingPoll:    5 * time.Millisecond,
	}, dialer, store, auth, discardLogger(), nil)
	t.Cleanup(m.Close)
	return &managerFixture{manager: m, dialer: dialer, store: store, auth: auth, root: root}
}

func connectedAs(number string) func(string, int, *fakeConn) {
	return func(_ string, _ int, c *fakeConn) { c.sink.Connected(number) }
}

func TestRequestPairingArtifactReturnsCode(t *testing.T) {
	f := newManagerFixture(t, nil, func(_ string, _ int, c *fakeConn) {
		c.sink.PairingCode("2@pairing-ref")
	})
	ctx := context.Background()

	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))

	artifact, err := f.manager.RequestPairingArtifact(ctx, "session_a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2@pairing-ref", artifact.Code)
	assert.Equal(t, "session_a", artifact.SessionID)

	state, ok := f.manager.State("session_a")
	require.True(t, ok)
	assert.Equal(t, StateAwaitingPairing, state)

	png, err := artifact.PNG(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestRequestPairingArtifactTimesOut(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))

	start := time.Now()
	_, err := f.manager.RequestPairingArtifact(ctx, "session_a", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPairingTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRequestPairingArtifactForConnectedSession(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923001234567"))
	ctx := context.Background()

	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))

	_, err := f.manager.RequestPairingArtifact(ctx, "session_a", time.Second)
	require.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestConnectPersistsAuthenticatedNumber(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923001234567"))

	require.NoError(t, f.manager.Connect(context.Background(), "session_a", "Shop A"))

	state, _ := f.manager.State("session_a")
	assert.Equal(t, StateConnected, state)

	row := f.store.get("session_a")
	assert.True(t, row.IsActive)
	assert.Equal(t, "923001234567", row.Number)
	assert.Equal(t, "Shop A", row.DisplayName)
	require.NotNil(t, row.ConnectedAt)

	assert.Equal(t, []Recipient{{SessionID: "session_a", Number: "923001234567"}}, f.manager.LiveRecipients())
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923001234567"))
	ctx := context.Background()

	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))
	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))

	assert.Len(t, f.dialer.attempts("session_a"), 1)
}

func TestConnectRejectsUnsafeSessionID(t *testing.T) {
	f := newManagerFixture(t, nil, nil)

	err := f.manager.Connect(context.Background(), "../etc", "x")
	require.ErrorIs(t, err, ErrInvalidSessionID)
	assert.Empty(t, f.dialer.attempts("../etc"))
}

func TestNonLogoutCloseReconnectsAndKeepsNumber(t *testing.T) {
	f := newManagerFixture(t, nil, func(_ string, attempt int, c *fakeConn) {
		if attempt == 1 {
			c.sink.Connected("923001234567")
		}
	})
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))

	first := f.dialer.attempts("session_a")[0]
	closedAt := time.Now()
	first.sink.Closed(CloseReason{Detail: "connection lost"})

	state, _ := f.manager.State("session_a")
	assert.Equal(t, StateClosed, state)
	assert.Empty(t, f.manager.LiveRecipients())

	require.Eventually(t, func() bool {
		st, _ := f.manager.State("session_a")
		return st == StateInitializing
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(closedAt), testDelay)
	assert.Equal(t, "923001234567", f.manager.Number("session_a"))

	attempts := f.dialer.attempts("session_a")
	require.Len(t, attempts, 2)

	// Events from the superseded attempt are ignored.
	first.sink.Connected("920000000000")
	st, _ := f.manager.State("session_a")
	assert.Equal(t, StateInitializing, st)

	attempts[1].sink.Connected("923001234567")
	st, _ = f.manager.State("session_a")
	assert.Equal(t, StateConnected, st)
	assert.Equal(t, "923001234567", f.manager.Number("session_a"))
	assert.True(t, f.store.get("session_a").IsActive)
}

func TestLogoutCloseIsTerminal(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923001234567"))
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))
	require.True(t, f.auth.Exists("session_a"))

	f.dialer.attempts("session_a")[0].sink.Closed(CloseReason{LoggedOut: true, Detail: "401"})

	time.Sleep(4 * testDelay)
	assert.Len(t, f.dialer.attempts("session_a"), 1)
	state, _ := f.manager.State("session_a")
	assert.Equal(t, StateClosed, state)
	assert.False(t, f.auth.Exists("session_a"))
	assert.False(t, f.store.get("session_a").IsActive)
	assert.Empty(t, f.manager.LiveRecipients())
}

func TestDisconnectResolvesLocalNumber(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923001234567"))
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "session_a", "Shop A"))

	require.NoError(t, f.manager.Disconnect(ctx, "03001234567"))

	conn := f.dialer.attempts("session_a")[0]
	assert.True(t, conn.isLoggedOut())
	assert.False(t, f.auth.Exists("session_a"))
	assert.False(t, f.store.get("session_a").IsActive)
	assert.Empty(t, f.manager.LiveRecipients())

	// A late close from the logged-out connection must not schedule a reconnect.
	conn.sink.Closed(CloseReason{Detail: "stream end"})
	time.Sleep(4 * testDelay)
	assert.Len(t, f.dialer.attempts("session_a"), 1)
}

func TestDisconnectUnknownNumber(t *testing.T) {
	f := newManagerFixture(t, nil, nil)

	err := f.manager.Disconnect(context.Background(), "03001234567")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDisconnectStoredSessionWithoutLiveHandle(t *testing.T) {
	store := newFakeSessionStore(repo.Session{ID: "old", Number: "923331112222", IsActive: true})
	f := newManagerFixture(t, store, nil)
	require.NoError(t, os.MkdirAll(f.auth.Dir("old"), 0o700))

	require.NoError(t, f.manager.Disconnect(context.Background(), "923331112222"))

	assert.False(t, f.auth.Exists("old"))
	assert.False(t, store.get("old").IsActive)
}

func TestFreshConnectPurgesStaleAuthMaterial(t *testing.T) {
	store := newFakeSessionStore(repo.Session{ID: "kept", Number: "923000000001", IsActive: true})
	f := newManagerFixture(t, store, nil)
	for _, id := range []string{"kept", "abandoned"} {
		require.NoError(t, os.MkdirAll(f.auth.Dir(id), 0o700))
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("x"), 0o600))

	require.NoError(t, f.manager.Connect(context.Background(), "fresh", "New"))

	assert.True(t, f.auth.Exists("kept"))
	assert.False(t, f.auth.Exists("abandoned"))
	assert.True(t, f.auth.Exists("fresh"))
	assert.FileExists(t, filepath.Join(f.root, "notes.txt"))
}

func TestFreshConnectStopsAbandonedPairingFlow(t *testing.T) {
	f := newManagerFixture(t, nil, func(id string, _ int, c *fakeConn) {
		if id == "session_abandoned" {
			c.sink.PairingCode("2@abandoned-ref")
		}
	})
	ctx := context.Background()

	require.NoError(t, f.manager.Connect(ctx, "session_abandoned", "Old"))
	_, err := f.manager.RequestPairingArtifact(ctx, "session_abandoned", time.Second)
	require.NoError(t, err)
	require.True(t, f.auth.Exists("session_abandoned"))

	require.NoError(t, f.manager.Connect(ctx, "session_fresh", "New"))

	abandoned := f.dialer.attempts("session_abandoned")
	require.Len(t, abandoned, 1)
	assert.True(t, abandoned[0].isDisconnected())
	assert.False(t, f.auth.Exists("session_abandoned"))
	assert.True(t, f.auth.Exists("session_fresh"))
	state, ok := f.manager.State("session_abandoned")
	require.True(t, ok)
	assert.Equal(t, StateClosed, state)
	_, _, pending := f.manager.registry.Pairing("session_abandoned")
	assert.False(t, pending)

	abandoned[0].sink.Closed(CloseReason{Detail: "pairing timed out"})
	time.Sleep(4 * testDelay)
	assert.Len(t, f.dialer.attempts("session_abandoned"), 1)
	assert.Len(t, f.dialer.attempts("session_fresh"), 1)
}

func TestFreshConnectKeepsAuthenticatedSessions(t *testing.T) {
	f := newManagerFixture(t, nil, func(id string, _ int, c *fakeConn) {
		if id == "session_live" {
			c.sink.Connected("923001234567")
		}
	})
	ctx := context.Background()

	require.NoError(t, f.manager.Connect(ctx, "session_live", "Live"))
	require.NoError(t, f.manager.Connect(ctx, "session_fresh", "New"))

	live := f.dialer.attempts("session_live")
	require.Len(t, live, 1)
	assert.False(t, live[0].isDisconnected())
	assert.True(t, f.auth.Exists("session_live"))
	state, _ := f.manager.State("session_live")
	assert.Equal(t, StateConnected, state)
}

func TestStartResumesActiveSessionsAndDefault(t *testing.T) {
	store := newFakeSessionStore(
		repo.Session{ID: "resumable", Number: "923000000001", IsActive: true},
		repo.Session{ID: "no_auth", Number: "923000000002", IsActive: true},
		repo.Session{ID: "inactive", Number: "923000000003"},
	)
	f := newManagerFixture(t, store, nil)
	f.manager.cfg.DefaultSessionID = "default"
	f.manager.cfg.DefaultSessionName = "Main Session"
	require.NoError(t, os.MkdirAll(f.auth.Dir("resumable"), 0o700))
	require.NoError(t, os.MkdirAll(f.auth.Dir("inactive"), 0o700))

	require.NoError(t, f.manager.Start(context.Background()))

	assert.Len(t, f.dialer.attempts("resumable"), 1)
	assert.Empty(t, f.dialer.attempts("no_auth"))
	assert.Empty(t, f.dialer.attempts("inactive"))
	assert.Len(t, f.dialer.attempts("default"), 1)
	assert.Equal(t, "Main Session", store.get("default").DisplayName)
}

type recordingProcessor struct {
	mu  sync.Mutex
	got []Inbound
}

func (p *recordingProcessor) ProcessMessage(_ context.Context, in Inbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, in)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

func TestMessagesReachProcessor(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923001234567"))
	proc := &recordingProcessor{}
	f.manager.SetMessageProcessor(proc)
	require.NoError(t, f.manager.Connect(context.Background(), "session_a", "Shop A"))

	evt := &events.Message{
		Info:    types.MessageInfo{ID: "MSG1"},
		Message: &waProto.Message{Conversation: proto.String("need iphone 13")},
	}
	f.dialer.attempts("session_a")[0].sink.Message(evt)

	require.Eventually(t, func() bool { return proc.count() == 1 }, time.Second, 5*time.Millisecond)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, "session_a", proc.got[0].SessionID)
	assert.Same(t, evt, proc.got[0].Event)
	assert.NotNil(t, proc.got[0].Media)
}

func TestDeliverPrefersAnotherSession(t *testing.T) {
	numbers := map[string]string{"a": "923000000001", "b": "923000000002"}
	f := newManagerFixture(t, nil, func(id string, _ int, c *fakeConn) {
		c.sink.Connected(numbers[id])
	})
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "a", "A"))
	require.NoError(t, f.manager.Connect(ctx, "b", "B"))

	require.NoError(t, f.manager.Deliver(ctx, Recipient{SessionID: "a", Number: numbers["a"]}, "match!"))

	viaB := f.dialer.attempts("b")[0].sentTexts()
	require.Len(t, viaB, 1)
	assert.Equal(t, numbers["a"], viaB[0].to.User)
	assert.Equal(t, "match!", viaB[0].text)
	assert.Empty(t, f.dialer.attempts("a")[0].sentTexts())
}

func TestSendRequiresLiveSession(t *testing.T) {
	f := newManagerFixture(t, nil, nil)

	err := f.manager.Send(context.Background(), "03001234567", "hello", nil)
	require.ErrorIs(t, err, ErrNoLiveSession)
}

func TestSendNormalizesRecipient(t *testing.T) {
	f := newManagerFixture(t, nil, connectedAs("923000000001"))
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "a", "A"))

	require.NoError(t, f.manager.Send(ctx, "0300-1234567", "hello", nil))

	sent := f.dialer.attempts("a")[0].sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "923001234567", sent[0].to.User)
}
