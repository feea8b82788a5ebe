package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kirillkom/scholarchat/internal/infrastructure/resilience"
)

// chatStream decodes the NDJSON body of a streaming /api/chat call.
type chatStream struct {
	body    io.ReadCloser
	decoder *json.Decoder

	mu   sync.Mutex
	done bool
	err  error
}

func newChatStream(body io.ReadCloser) *chatStream {
	return &chatStream{
		body:    body,
		decoder: json.NewDecoder(body),
	}
}

func (s *chatStream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.err != nil {
			return "", s.err
		}
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			s.fail(err)
			continue
		}

		var chunk chatChunk
		if err := s.decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				// The server must finish with a done line.
				err = io.ErrUnexpectedEOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			s.fail(fmt.Errorf("read chat stream: %w", err))
			continue
		}
		if chunk.Error != "" {
			s.fail(fmt.Errorf("ollama chat stream: %s", chunk.Error))
			continue
		}
		if chunk.Done {
			s.done = true
			_ = s.body.Close()
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		if chunk.Message.Content == "" {
			continue
		}
		return chunk.Message.Content, nil
	}
}

func (s *chatStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.err != nil {
		return nil
	}
	s.err = errors.New("chat stream closed")
	return s.body.Close()
}

func (s *chatStream) fail(err error) {
	s.err = resilience.MarkTemporary("ollama.chat_stream", err)
	_ = s.body.Close()
}
