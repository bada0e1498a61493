package session

import (
	"fmt"
	"sync"

	"github.com/relaydesk/relayd/internal/protocol"
)

// Registry is a concurrent mapping from session id to Session. It owns
// only references, not lifetime: removing a session from the registry does
// not stop it, and a session must be removed before it is discarded.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts sess under sess.ID(). It fails if that id is already present.
func (r *Registry) Add(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID()]; exists {
		return fmt.Errorf("session: registry: add %s: %w: id already present", sess.ID(), protocol.ErrInternal)
	}
	r.sessions[sess.ID()] = sess
	return nil
}

// Retrieve returns the session for id, or nil if absent.
func (r *Registry) Retrieve(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove atomically removes and returns the session for id, or nil if
// absent.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return sess
}

// Range calls fn for every registered session under the read-lock, in
// unspecified order, stopping early if fn returns false. fn must not call
// back into the registry.
func (r *Registry) Range(fn func(id string, sess *Session) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, sess := range r.sessions {
		if !fn(id, sess) {
			return
		}
	}
}

// Count returns the number of sessions currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
