package domain

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Retriever is the per-session retrieval pipeline handle.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]RetrievedChunk, error)
}

// Session is the explicit per-conversation state: the append-only message log,
// the knowledge-base generation the session is bound to, and the cached
// retriever built for that generation. Turns are serialised by Acquire/Release.
type Session struct {
	ID        string
	CreatedAt time.Time

	turn chan struct{}

	mu         sync.RWMutex
	messages   []Message
	lastActive time.Time
	generation uint64
	retriever  Retriever
}

func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		lastActive: now,
		turn:       make(chan struct{}, 1),
	}
}

// Acquire claims the session's turn without waiting: while another turn is
// in flight it fails with ErrSessionBusy.
func (s *Session) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.turn <- struct{}{}:
		s.touch()
		return nil
	default:
		return WrapError(ErrSessionBusy, "acquire session turn", errors.New("another turn is in progress"))
	}
}

func (s *Session) Release() {
	select {
	case <-s.turn:
	default:
	}
}

func (s *Session) Append(role Role, content string) Message {
	msg := Message{Role: role, Content: content, CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.lastActive = msg.CreatedAt
	s.mu.Unlock()
	return msg
}

// Messages returns a copy of the conversation log.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Reset clears the conversation and drops the cached retriever.
func (s *Session) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.generation = 0
	s.retriever = nil
	s.mu.Unlock()
}

// RetrieverFor returns the cached retriever when it was built for generation.
func (s *Session) RetrieverFor(generation uint64) (Retriever, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.retriever == nil || s.generation != generation {
		return nil, false
	}
	return s.retriever, true
}

// Bind caches r as the retriever for generation, replacing any stale handle.
func (s *Session) Bind(generation uint64, r Retriever) {
	s.mu.Lock()
	s.generation = generation
	s.retriever = r
	s.mu.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}
