package wa

import (
	"sort"
	"sync"
	"time"
)

// LiveConn is an authenticated connection held by the registry.
type LiveConn struct {
	SessionID string
	Number    string
	Conn      Conn
	Since     time.Time
}

type pairingEntry struct {
	code     string
	issuedAt time.Time
}

// Registry tracks live connections and the latest pairing code per session.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]LiveConn
	pairing map[string]pairingEntry
}

func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[string]LiveConn),
		pairing: make(map[string]pairingEntry),
	}
}

// Put records conn as the live connection of the session, replacing any previous one.
func (r *Registry) Put(sessionID, number string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[sessionID] = LiveConn{SessionID: sessionID, Number: number, Conn: conn, Since: time.Now()}
	delete(r.pairing, sessionID)
}

// Drop removes the live connection of the session.
func (r *Registry) Drop(sessionID string) (LiveConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.live[sessionID]
	delete(r.live, sessionID)
	return lc, ok
}

func (r *Registry) Live(sessionID string) (LiveConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.live[sessionID]
	return lc, ok
}

// Snapshot returns the live connections ordered by session id.
func (r *Registry) Snapshot() []LiveConn {
	r.mu.RLock()
	out := make([]LiveConn, 0, len(r.live))
	for _, lc := range r.live {
		out = append(out, lc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// SetPairing stores the most recent pairing code for the session.
func (r *Registry) SetPairing(sessionID, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairing[sessionID] = pairingEntry{code: code, issuedAt: time.Now()}
}

// Pairing returns the pending pairing code of the session, if any.
func (r *Registry) Pairing(sessionID string) (string, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairing[sessionID]
	return p.code, p.issuedAt, ok
}

func (r *Registry) ClearPairing(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pairing, sessionID)
}
