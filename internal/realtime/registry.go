package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Session is one tracked viewer presence. Sessions hold only the id of their
// connection; the Hub owns the connection table.
type Session struct {
	ID             string    `json:"id"`
	ConnID         string    `json:"-"`
	FirstHeartbeat int64     `json:"first_heartbeat"`
	LastHeartbeat  int64     `json:"last_heartbeat"`
	NextHeartbeat  int64 `json:"next_heartbeat"`

	deadline time.Time
}

// Expired reports whether the session's deadline has passed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.deadline)
}

// Registry is the authoritative map of live viewer sessions. All methods are
// safe for concurrent use; snapshots returned to callers are copies.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	grace    time.Duration
	clock    clockwork.Clock
}

// NewRegistry creates a session registry. grace is how long a session survives
// without a heartbeat.
func NewRegistry(grace time.Duration, clock clockwork.Clock) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		grace:    grace,
		clock:    clock,
	}
}

// Create allocates a fresh session bound to connID and returns a snapshot.
func (r *Registry) Create(connID string) Session {
	now := r.clock.Now()
	s := &Session{
		ID:             uuid.New().String(),
		ConnID:         connID,
		FirstHeartbeat: now.UnixMilli(),
		LastHeartbeat:  now.UnixMilli(),
		NextHeartbeat:  now.Add(r.grace).UnixMilli(),
		deadline:       now.Add(r.grace),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return *s
}

// Get returns a snapshot of the session, if present.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Refresh extends the session's deadline, records the heartbeat, and rebinds
// the connection. Returns the refreshed snapshot, or ok=false when the id is
// unknown (evicted or never existed) so the caller can demand a re-handshake.
func (r *Registry) Refresh(id, connID string) (Session, bool) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.LastHeartbeat = now.UnixMilli()
	s.NextHeartbeat = now.Add(r.grace).UnixMilli()
	s.deadline = now.Add(r.grace)
	s.ConnID = connID
	return *s, true
}

// Evict removes the session and returns it atomically with the removal.
func (r *Registry) Evict(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	return *s, true
}

// EvictIfExpired removes the session only if its deadline has passed at now.
// The check and removal are atomic, so a PING refreshing the session between a
// sweep's snapshot and its eviction decision keeps the session alive.
func (r *Registry) EvictIfExpired(id string, now time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.Expired(now) {
		return Session{}, false
	}
	delete(r.sessions, id)
	return *s, true
}

// Size returns the current viewer count.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SnapshotIDs returns a point-in-time sorted list of session ids. The list is
// safe to iterate while the registry is concurrently mutated.
func (r *Registry) SnapshotIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Reset drops every session. Used when a new broadcast starts: all viewers must
// handshake again so counts never carry over between broadcasts.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
}
