package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// Sessions is the in-memory registry of live sessions. Idle sessions are
// evicted after ttl; conversation state is never persisted.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*domain.Session),
	}
}

func (s *Sessions) Create() *domain.Session {
	session := domain.NewSession(uuid.NewString())
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return session
}

func (s *Sessions) Get(id string) (*domain.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", errors.New(id))
	}
	return session, nil
}

func (s *Sessions) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Evict removes sessions idle for longer than ttl and returns how many.
func (s *Sessions) Evict() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, session := range s.sessions {
		if session.LastActive().Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// RunEviction evicts idle sessions periodically until ctx is done.
func (s *Sessions) RunEviction(ctx context.Context, every time.Duration) {
	if s.ttl <= 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(); n > 0 {
				slog.Info("sessions_evicted", "count", n, "remaining", s.Len())
			}
		}
	}
}
