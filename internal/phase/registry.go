package phase

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMaxSessions = 1024
	DefaultSessionIdle = 30 * time.Minute
)

// Registry holds the live sessions of a server process. A session untouched for
// the idle period, or pushed out by newer ones past the size bound, is abandoned.
type Registry struct {
	deps     Deps
	sessions *expirable.LRU[string, *Session]
}

// NewRegistry bounds the registry to size sessions, each expiring after idle
// without use. Non-positive values fall back to the defaults.
func NewRegistry(deps Deps, size int, idle time.Duration) *Registry {
	if size <= 0 {
		size = DefaultMaxSessions
	}
	if idle <= 0 {
		idle = DefaultSessionIdle
	}
	r := &Registry{deps: deps}
	r.sessions = expirable.NewLRU[string, *Session](size, func(_ string, s *Session) {
		s.Abandon()
	}, idle)
	return r
}

func (r *Registry) Create(actorID string) *Session {
	s := NewSession(uuid.New().String(), actorID, r.deps)
	r.sessions.Add(s.ID, s)
	return s
}

// Get returns a live session and restarts its idle clock.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions.Get(id)
	if ok {
		r.sessions.Add(id, s)
	}
	return s, ok
}

// Close abandons and forgets a session.
func (r *Registry) Close(id string) bool {
	return r.sessions.Remove(id)
}

func (r *Registry) Len() int {
	return r.sessions.Len()
}
