package trade

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry maps a location to at most one live trade session. It owns session
// lifecycle and nothing else: it never touches balances or ownership.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty trade registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session for a location. It fails with
// ErrDuplicateSession if the location already has a live session.
func (r *Registry) Open(location, userA, userB string, lifetime time.Duration) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[location]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, location)
	}
	s := newSession(location, userA, userB, lifetime)
	r.sessions[location] = s
	r.logger.Info("trade session opened",
		zap.String("location", location),
		zap.String("session_id", s.ID.String()),
		zap.String("user_a", userA),
		zap.String("user_b", userB))
	return s, nil
}

// Get returns the live session for a location
func (r *Registry) Get(location string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, location)
	}
	return s, nil
}

// Close removes whatever session is registered for a location. It is
// idempotent and safe to call when no session exists.
func (r *Registry) Close(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, location)
}

// CloseSession removes the location's entry only if it still maps to the given
// session, so a stale caller cannot evict a newer session that reused the
// location. Reports whether the entry was removed.
func (r *Registry) CloseSession(location string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[location]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, location)
	return true
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown tears down every live session without side effects, stopping their
// timers. Used on process shutdown. Sessions are detached from the registry
// before their own locks are taken, keeping the session-then-registry lock
// order used everywhere else.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if !s.terminal() {
			s.state = StateCancelled
		}
		s.stopTimers()
		s.mu.Unlock()
	}
	r.logger.Info("trade registry shut down", zap.Int("sessions_dropped", len(sessions)))
}
