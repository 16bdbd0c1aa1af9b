package session

import (
	"context"
	"sync"

	amora_errors "amora-realtime/pkg/errors"

	"go.uber.org/zap"
)

// Registry holds one started session per user.
type Registry struct {
	deps Deps
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(deps Deps, opts Options) *Registry {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		deps:     deps,
		opts:     opts,
		log:      log.With(zap.String("component", "session_registry")),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for userID, creating and starting it on first use.
func (r *Registry) Get(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, amora_errors.ErrUnauthorized
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, amora_errors.ErrClosed
	}
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s := New(userID, r.deps, r.opts)
	r.sessions[userID] = s
	r.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		r.log.Warn("session start incomplete", zap.String("user_id", userID), zap.Error(err))
	}
	r.log.Info("session opened", zap.String("user_id", userID))
	return s, nil
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove closes and forgets the session for userID.
func (r *Registry) Remove(ctx context.Context, userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if ok {
		s.Close(ctx)
		r.log.Info("session closed", zap.String("user_id", userID))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every session. Later calls to Get fail with ErrClosed.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}
