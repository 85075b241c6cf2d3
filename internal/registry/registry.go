// Package registry owns the ephemeral binding between authenticated user
// ids and live session handles. It is the single source of truth for who
// is currently reachable.
package registry

import (
	"sync"

	"github.com/jfely/parley/internal/protocol"
)

// Session is the handle the registry stores for a reachable user.
type Session interface {
	SessionID() string
	UserID() int64
	// QueueEvent enqueues an event for delivery without blocking.
	// Returns false if the session's outbound queue is full.
	QueueEvent(msg *protocol.ServerMessage) bool
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

func New() *Registry {
	return &Registry{
		sessions: make(map[int64]Session),
	}
}

// Register binds userId to s, replacing any previous binding
// (last-writer-wins). The replaced session, if any, is returned; it is
// not closed here.
func (r *Registry) Register(userId int64, s Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[userId]
	r.sessions[userId] = s
	return prev
}

// Unregister removes the binding for userId only if it still points at s,
// so a superseded session tearing down cannot evict its replacement.
// Returns true if the binding was removed.
func (r *Registry) Unregister(userId int64, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[userId]
	if !ok || cur.SessionID() != s.SessionID() {
		return false
	}

	delete(r.sessions, userId)
	return true
}

func (r *Registry) Lookup(userId int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[userId]
	return s, ok
}

// Snapshot returns the ids of all currently registered users.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
