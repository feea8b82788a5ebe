package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// ErrStreamFailed is returned by a turn stream whose generation failed; the
// failure message is already appended to the session and available via Text.
var ErrStreamFailed = errors.New("answer stream failed")

// turnStream owns a session turn for the lifetime of a streamed answer. The
// assistant message is appended when the stream ends: the full text on EOF,
// an error message on failure, nothing when abandoned.
type turnStream struct {
	session *domain.Session
	inner   domain.TextStream
	pending []string
	sources []domain.RetrievedChunk
	failed  bool
	onEnd   func(text string, failed bool)

	mu       sync.Mutex
	text     []byte
	final    string
	finished bool
	err      error
}

func newTurnStream(session *domain.Session, inner domain.TextStream, sources []domain.RetrievedChunk, onEnd func(string, bool)) *turnStream {
	return &turnStream{session: session, inner: inner, sources: sources, onEnd: onEnd}
}

// newStaticTurn yields text as a single fragment, for fixed and error replies.
func newStaticTurn(session *domain.Session, text string, failed bool, onEnd func(string, bool)) *turnStream {
	return &turnStream{session: session, pending: []string{text}, failed: failed, onEnd: onEnd}
}

func (s *turnStream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}

	if s.inner == nil {
		if len(s.pending) > 0 {
			fragment := s.pending[0]
			s.pending = s.pending[1:]
			s.text = append(s.text, fragment...)
			return fragment, nil
		}
		s.finish(string(s.text), s.failed)
		return "", io.EOF
	}

	fragment, err := s.inner.Next(ctx)
	switch {
	case err == nil:
		s.text = append(s.text, fragment...)
		return fragment, nil
	case errors.Is(err, io.EOF):
		s.finish(string(s.text), false)
		return "", io.EOF
	case ctx.Err() != nil:
		s.abandon(ctx.Err())
		return "", s.err
	default:
		slog.Warn("answer_stream_failed", "session_id", s.session.ID, "error", err)
		s.finish(domain.UserMessage(err), true)
		s.err = fmt.Errorf("%w: %w", ErrStreamFailed, err)
		return "", s.err
	}
}

// Close abandons an unfinished stream without touching the conversation log.
func (s *turnStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.abandon(context.Canceled)
	}
	return nil
}

func (s *turnStream) Sources() []domain.RetrievedChunk {
	return s.sources
}

// Text is the assistant message appended for this turn, empty until the
// stream ends.
func (s *turnStream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

func (s *turnStream) finish(text string, failed bool) {
	s.finished = true
	s.final = text
	s.session.Append(domain.RoleAssistant, text)
	if s.inner != nil {
		_ = s.inner.Close()
	}
	s.session.Release()
	if s.onEnd != nil {
		s.onEnd(text, failed)
	}
}

func (s *turnStream) abandon(cause error) {
	s.finished = true
	s.err = cause
	if s.inner != nil {
		_ = s.inner.Close()
	}
	s.session.Release()
}
