package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bot-match/internal/metrics"
	"bot-match/internal/repo"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types/events"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrPairingTimeout  = errors.New("pairing artifact not available before timeout")
	ErrAlreadyPaired   = errors.New("session is already connected")
	ErrNoLiveSession   = errors.New("no live session")
	ErrManagerClosed   = errors.New("session manager closed")
)

// State is the lifecycle state of one session.
type State string

const (
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateClosed          State = "closed"
)

// SessionStore persists Session rows.
type SessionStore interface {
	UpsertSession(ctx context.Context, id, displayName string) (*repo.Session, error)
	MarkSessionConnected(ctx context.Context, id, number, displayName string, at time.Time) error
	SetSessionActive(ctx context.Context, id string, active bool) error
	GetSession(ctx context.Context, id string) (*repo.Session, error)
	FindActiveSessionByNumber(ctx context.Context, number string) (*repo.Session, error)
	ListSessions(ctx context.Context) ([]repo.Session, error)
}

// Config tunes the Manager.
type Config struct {
	CountryCode        string
	ReconnectDelay     time.Duration
	PairingPoll        time.Duration
	DefaultSessionID   string
	DefaultSessionName string
}

// Recipient is a connected account that can receive alerts.
type Recipient struct {
	SessionID string
	Number    string
}

// SessionView is the externally visible state of a session.
type SessionView struct {
	repo.Session
	State               State
	IsRealTimeConnected bool
}

type session struct {
	id          string
	displayName string
	number      string
	state       State
	generation  uint64
	conn        Conn
	reconnect   bool
	timer       *time.Timer
}

// Manager owns one lifecycle state machine per session.
type Manager struct {
	cfg      Config
	dialer   Dialer
	store    SessionStore
	auth     *AuthStore
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	processor MessageProcessor

	mu       sync.Mutex
	sessions map[string]*session
	baseCtx  context.Context
	closed   bool
}

func NewManager(cfg Config, dialer Dialer, store SessionStore, auth *AuthStore, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.PairingPoll <= 0 {
		cfg.PairingPoll = 250 * time.Millisecond
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		auth:     auth,
		registry: NewRegistry(),
		logger:   logger.With("component", "session_manager"),
		metrics:  m,
		sessions: make(map[string]*session),
		baseCtx:  context.Background(),
	}
}

// SetMessageProcessor registers the inbound message handler.
func (m *Manager) SetMessageProcessor(processor MessageProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processor = processor
}

// NewSessionID generates an identifier for a fresh session.
func NewSessionID() string {
	return "session_" + uuid.NewString()
}

// Start resumes every active session with credentials on disk and the default session.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	defaultKnown := false
	for _, s := range sessions {
		if s.ID == m.cfg.DefaultSessionID {
			defaultKnown = true
		}
		if !s.IsActive || !m.auth.Exists(s.ID) {
			continue
		}
		if err := m.Connect(ctx, s.ID, s.DisplayName); err != nil {
			m.logger.Error("resume session failed", "session_id", s.ID, "error", err)
		}
	}

	if m.cfg.DefaultSessionID != "" && !defaultKnown {
		if err := m.Connect(ctx, m.cfg.DefaultSessionID, m.cfg.DefaultSessionName); err != nil {
			return fmt.Errorf("start default session: %w", err)
		}
	}
	return nil
}

// Connect starts the session if it is not already starting or connected.
func (m *Manager) Connect(ctx context.Context, sessionID, displayName string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	s, known := m.sessions[sessionID]
	if known {
		s.reconnect = true
		if displayName != "" {
			s.displayName = displayName
		}
		if s.state != StateClosed {
			m.mu.Unlock()
			return nil
		}
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	} else {
		s = &session{id: sessionID, displayName: displayName, reconnect: true}
		m.sessions[sessionID] = s
	}
	s.state = StateInitializing
	s.generation++
	gen := s.generation
	m.mu.Unlock()

	if !known {
		if err := m.purgeIfFresh(ctx, sessionID); err != nil {
			m.logger.Warn("purge stale auth failed", "session_id", sessionID, "error", err)
		}
	}

	stored, err := m.store.UpsertSession(ctx, sessionID, displayName)
	if err != nil {
		m.abandon(sessionID, gen)
		return fmt.Errorf("upsert session: %w", err)
	}
	if stored.Number != "" {
		m.mu.Lock()
		if s.number == "" {
			s.number = stored.Number
		}
		if s.displayName == "" {
			s.displayName = stored.DisplayName
		}
		m.mu.Unlock()
	}

	return m.dial(sessionID, gen)
}

// purgeIfFresh deletes orphaned credential directories when sessionID has never
// been seen before. Only stored-active and authenticated sessions survive; any
// other pairing flow still in memory is stopped first.
func (m *Manager) purgeIfFresh(ctx context.Context, sessionID string) error {
	if m.auth.Exists(sessionID) {
		return nil
	}
	if _, err := m.store.GetSession(ctx, sessionID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("get session: %w", err)
	}

	keep := map[string]bool{sessionID: true}
	stored, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range stored {
		if s.IsActive {
			keep[s.ID] = true
		}
	}
	var (
		abandoned []string
		conns     []Conn
	)
	m.mu.Lock()
	for id, s := range m.sessions {
		if keep[id] || s.number != "" || s.state == StateConnected {
			keep[id] = true
			continue
		}
		s.reconnect = false
		s.generation++
		s.state = StateClosed
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
		}
		abandoned = append(abandoned, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	for _, id := range abandoned {
		m.registry.ClearPairing(id)
		m.logger.Info("abandoned pairing flow stopped", "session_id", id)
	}

	purged, err := m.auth.PurgeExcept(keep)
	if len(purged) > 0 {
		m.logger.Info("purged stale auth material", "sessions", purged)
	}
	return err
}

func (m *Manager) dial(sessionID string, gen uint64) error {
	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()

	sink := &sessionSink{m: m, sessionID: sessionID, gen: gen}
	conn, err := m.dialer.Dial(ctx, sessionID, m.auth.Dir(sessionID), sink)
	if err != nil {
		m.abandon(sessionID, gen)
		return fmt.Errorf("dial session: %w", err)
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.generation != gen || m.closed {
		m.mu.Unlock()
		conn.Disconnect()
		return nil
	}
	s.conn = conn
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.logger.Warn("connect attempt failed", "session_id", sessionID, "error", err)
		sink.Closed(CloseReason{Detail: err.Error()})
	}
	return nil
}

// abandon marks a session attempt as closed without scheduling a retry.
func (m *Manager) abandon(sessionID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.generation == gen {
		s.state = StateClosed
	}
}

// RequestPairingArtifact waits until the session exposes a pairing code.
func (m *Manager) RequestPairingArtifact(ctx context.Context, sessionID string, timeout time.Duration) (PairingArtifact, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PairingPoll)
	defer ticker.Stop()

	for {
		if code, issuedAt, ok := m.registry.Pairing(sessionID); ok {
			return PairingArtifact{SessionID: sessionID, Code: code, IssuedAt: issuedAt}, nil
		}
		if _, live := m.registry.Live(sessionID); live {
			return PairingArtifact{}, ErrAlreadyPaired
		}

		select {
		case <-ctx.Done():
			return PairingArtifact{}, ctx.Err()
		case <-deadline.C:
			return PairingArtifact{}, ErrPairingTimeout
		case <-ticker.C:
		}
	}
}

// Disconnect logs out the session registered under number and removes its credentials.
func (m *Manager) Disconnect(ctx context.Context, number string) error {
	target, err := m.resolveNumber(ctx, number)
	if err != nil {
		return err
	}

	m.mu.Lock()
	var pending Conn
	if s, ok := m.sessions[target.ID]; ok {
		s.reconnect = false
		s.generation++
		s.state = StateClosed
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		pending = s.conn
		s.conn = nil
	}
	m.mu.Unlock()

	m.registry.ClearPairing(target.ID)
	if live, ok := m.registry.Drop(target.ID); ok {
		if err := live.Conn.Logout(ctx); err != nil {
			m.logger.Warn("logout failed", "session_id", target.ID, "error", err)
		}
	} else if pending != nil {
		pending.Disconnect()
	}
	m.updateLiveGauge()

	if err := m.auth.Delete(target.ID); err != nil {
		m.logger.Error("delete auth material failed", "session_id", target.ID, "error", err)
	}
	if err := m.store.SetSessionActive(ctx, target.ID, false); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}

	m.logger.Info("session disconnected", "session_id", target.ID, "number", target.Number)
	return nil
}

func (m *Manager) resolveNumber(ctx context.Context, number string) (*repo.Session, error) {
	for _, candidate := range NumberCandidates(number, m.cfg.CountryCode) {
		s, err := m.store.FindActiveSessionByNumber(ctx, candidate)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("find session by number: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, number)
}

// State reports the in-memory state of a session.
func (m *Manager) State(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.state, true
}

// Number returns the last known account number of a session.
func (m *Manager) Number(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.number
	}
	return ""
}

// Status combines the stored session row with its live state.
func (m *Manager) Status(ctx context.Context, sessionID string) (SessionView, error) {
	stored, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return SessionView{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return SessionView{}, fmt.Errorf("get session: %w", err)
	}
	return m.view(*stored), nil
}

// Sessions lists every stored session with its live state.
func (m *Manager) Sessions(ctx context.Context) ([]SessionView, error) {
	stored, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(stored))
	for _, s := range stored {
		out = append(out, m.view(s))
	}
	return out, nil
}

func (m *Manager) view(s repo.Session) SessionView {
	state := StateClosed
	if st, ok := m.State(s.ID); ok {
		state = st
	}
	_, live := m.registry.Live(s.ID)
	return SessionView{Session: s, State: state, IsRealTimeConnected: live}
}

// LiveRecipients returns every connected session with a known number.
func (m *Manager) LiveRecipients() []Recipient {
	snapshot := m.registry.Snapshot()
	out := make([]Recipient, 0, len(snapshot))
	for _, lc := range snapshot {
		if lc.Number == "" {
			continue
		}
		out = append(out, Recipient{SessionID: lc.SessionID, Number: lc.Number})
	}
	return out
}

// Deliver sends text to the recipient's account, preferring a different live
// session as sender so the alert arrives as an incoming message.
func (m *Manager) Deliver(ctx context.Context, to Recipient, text string) error {
	var sender *LiveConn
	for _, lc := range m.registry.Snapshot() {
		lc := lc
		if lc.SessionID != to.SessionID {
			sender = &lc
			break
		}
	}
	if sender == nil {
		lc, ok := m.registry.Live(to.SessionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoLiveSession, to.SessionID)
		}
		sender = &lc
	}
	if err := sender.Conn.SendText(ctx, UserJID(to.Number), text); err != nil {
		return fmt.Errorf("deliver via %s: %w", sender.SessionID, err)
	}
	return nil
}

// Send delivers a text or image message through the default session, or any live session.
func (m *Manager) Send(ctx context.Context, toNumber, text string, image []byte) error {
	lc, ok := m.registry.Live(m.cfg.DefaultSessionID)
	if !ok {
		snapshot := m.registry.Snapshot()
		if len(snapshot) == 0 {
			return ErrNoLiveSession
		}
		lc = snapshot[0]
	}

	to := UserJID(NormalizeRecipient(toNumber, m.cfg.CountryCode))
	if len(image) > 0 {
		return lc.Conn.SendImage(ctx, to, image, "", text)
	}
	return lc.Conn.SendText(ctx, to, text)
}

// Close drops every connection without logging out.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var conns []Conn
	for _, s := range m.sessions {
		s.reconnect = false
		s.generation++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
		}
		s.state = StateClosed
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	for _, lc := range m.registry.Snapshot() {
		m.registry.Drop(lc.SessionID)
	}
	m.updateLiveGauge()
}

func (m *Manager) updateLiveGauge() {
	if m.metrics != nil {
		m.metrics.LiveSessions.Set(float64(m.registry.Len()))
	}
}

// current returns the session when gen is still its active attempt.
func (m *Manager) current(sessionID string, gen uint64) (*session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok || s.generation != gen {
		return nil, false
	}
	return s, true
}

func (m *Manager) onPairingCode(sessionID string, gen uint64, code string) {
	m.mu.Lock()
	s, ok := m.current(sessionID, gen)
	if ok {
		s.state = StateAwaitingPairing
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.registry.SetPairing(sessionID, code)
	m.logger.Info("pairing code issued", "session_id", sessionID)
}

func (m *Manager) onConnected(sessionID string, gen uint64, number string) {
	m.mu.Lock()
	s, ok := m.current(sessionID, gen)
	var (
		conn Conn
		name string
		ctx  = m.baseCtx
	)
	if ok {
		s.state = StateConnected
		s.number = number
		conn = s.conn
		name = s.displayName
	}
	m.mu.Unlock()
	if !ok || conn == nil {
		return
	}

	m.registry.Put(sessionID, number, conn)
	m.updateLiveGauge()
	if err := m.store.MarkSessionConnected(ctx, sessionID, number, name, time.Now()); err != nil {
		m.logger.Error("persist connected session failed", "session_id", sessionID, "error", err)
	}
	m.logger.Info("session connected", "session_id", sessionID, "number", number)
}

func (m *Manager) onClosed(sessionID string, gen uint64, reason CloseReason) {
	m.mu.Lock()
	s, ok := m.current(sessionID, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.generation++
	next := s.generation
	ctx := m.baseCtx

	retry := !reason.LoggedOut && s.reconnect && !m.closed
	if reason.LoggedOut {
		s.reconnect = false
	}
	if retry {
		s.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.redial(sessionID, next) })
	}
	m.mu.Unlock()

	m.registry.Drop(sessionID)
	m.registry.ClearPairing(sessionID)
	m.updateLiveGauge()
	if conn != nil {
		go conn.Disconnect()
	}

	if reason.LoggedOut {
		m.logger.Warn("session logged out", "session_id", sessionID, "reason", reason.Detail)
		if err := m.auth.Delete(sessionID); err != nil {
			m.logger.Error("delete auth material failed", "session_id", sessionID, "error", err)
		}
		if err := m.store.SetSessionActive(ctx, sessionID, false); err != nil && !errors.Is(err, repo.ErrNotFound) {
			m.logger.Error("deactivate session failed", "session_id", sessionID, "error", err)
		}
		return
	}

	if retry {
		if m.metrics != nil {
			m.metrics.SessionReconnects.Inc()
		}
		m.logger.Warn("session closed, reconnect scheduled", "session_id", sessionID, "reason", reason.Detail, "delay", m.cfg.ReconnectDelay)
	}
}

func (m *Manager) redial(sessionID string, gen uint64) {
	m.mu.Lock()
	s, ok := m.current(sessionID, gen)
	if !ok || s.state != StateClosed || !s.reconnect || m.closed {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateInitializing
	m.mu.Unlock()

	if err := m.dial(sessionID, gen); err != nil {
		m.logger.Error("reconnect failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) onMessage(sessionID string, gen uint64, evt *events.Message) {
	m.mu.Lock()
	s, ok := m.current(sessionID, gen)
	var (
		conn      Conn
		processor = m.processor
		ctx       = m.baseCtx
	)
	if ok {
		conn = s.conn
	}
	m.mu.Unlock()
	if !ok || conn == nil || evt == nil || evt.Message == nil {
		return
	}

	if m.metrics != nil {
		m.metrics.WAIncomingMessages.WithLabelValues(messageKind(evt)).Inc()
	}
	if processor != nil {
		go processor.ProcessMessage(ctx, Inbound{SessionID: sessionID, Event: evt, Media: conn, ReceivedAt: time.Now()})
	}
}

func messageKind(evt *events.Message) string {
	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		return "text"
	case msg.ExtendedTextMessage != nil:
		return "extended_text"
	case msg.ImageMessage != nil:
		return "image"
	case msg.VideoMessage != nil:
		return "video"
	case msg.AudioMessage != nil:
		return "audio"
	default:
		return "other"
	}
}

// sessionSink routes the events of one connection attempt back to the Manager.
type sessionSink struct {
	m         *Manager
	sessionID string
	gen       uint64
}

func (s *sessionSink) PairingCode(code string)     { s.m.onPairingCode(s.sessionID, s.gen, code) }
func (s *sessionSink) Connected(number string)     { s.m.onConnected(s.sessionID, s.gen, number) }
func (s *sessionSink) Closed(reason CloseReason)   { s.m.onClosed(s.sessionID, s.gen, reason) }
func (s *sessionSink) Message(evt *events.Message) { s.m.onMessage(s.sessionID, s.gen, evt) }
