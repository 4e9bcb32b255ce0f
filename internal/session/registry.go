package session

import "sync"

// Registry is the concurrency-safe set of active (non-terminal) sessions.
// It is owned by the Manager and passed nowhere else; membership is exactly
// the sessions that have completed negotiation and not yet been cleaned up.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*PeerSession
}

// NewRegistry returns a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*PeerSession),
	}
}

// Add inserts the session into the active set.
func (r *Registry) Add(s *PeerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove deletes the session with the given id and reports whether it was
// present. A second Remove for the same id is a no-op returning false, which
// is what makes duplicate cleanup harmless.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns a snapshot of all active sessions.
func (r *Registry) List() []*PeerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
