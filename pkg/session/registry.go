package session

import (
	"sync"
	"time"

	"github.com/harun/mixdown/internal/observability"
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// Registry is a sharded map of user id to session.
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[int64]*Session)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	return r.shards[uint64(userID)%shardCount]
}

// Get returns the live session for userID.
func (r *Registry) Get(userID int64) (*Session, bool) {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[userID]
	return s, ok
}

// GetOrCreate returns the session for userID, creating an Idle one.
func (r *Registry) GetOrCreate(userID int64, now time.Time) *Session {
	sh := r.shardFor(userID)

	sh.mu.RLock()
	s, ok := sh.sessions[userID]
	sh.mu.RUnlock()
	if ok {
		return s
	}

	sh.mu.Lock()
	if s, ok = sh.sessions[userID]; !ok {
		s = &Session{UserID: userID, State: StateIdle, CreatedAt: now, LastActivity: now}
		sh.sessions[userID] = s
	}
	sh.mu.Unlock()

	if !ok {
		observability.SetActiveSessions(r.Len())
	}
	return s
}

// acquire returns the user's live session locked. A session removed while
// the caller waited for its lock is skipped and a fresh one created.
func (r *Registry) acquire(userID int64, now time.Time) *Session {
	for {
		s := r.GetOrCreate(userID, now)
		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// remove deletes s if it is still the entry for its user. The caller holds
// s.mu.
func (r *Registry) remove(s *Session) {
	s.removed = true

	sh := r.shardFor(s.UserID)
	sh.mu.Lock()
	if current, ok := sh.sessions[s.UserID]; ok && current == s {
		delete(sh.sessions, s.UserID)
	}
	sh.mu.Unlock()

	observability.SetActiveSessions(r.Len())
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot returns all sessions at this instant.
func (r *Registry) Snapshot() []*Session {
	var out []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
