package ports

import (
	"context"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// KnowledgeBaseIngestor is the inbound contract for building the knowledge base.
type KnowledgeBaseIngestor interface {
	Ingest(ctx context.Context, uploads []domain.Upload, opts domain.IngestOptions) (*domain.KnowledgeBase, error)
	// Clear empties the knowledge base.
	Clear(ctx context.Context) error
}

// KnowledgeBaseReader exposes the current knowledge-base handle and catalog.
type KnowledgeBaseReader interface {
	Current() *domain.KnowledgeBase
	Documents(ctx context.Context) ([]domain.CatalogEntry, error)
}

// AnswerStream yields answer fragments; the session log is updated when the
// stream reaches io.EOF or fails, never on Close.
type AnswerStream interface {
	domain.TextStream
	Sources() []domain.RetrievedChunk
	Text() string
}

// QuestionAnswerer is the retrieval-augmented answer pipeline.
type QuestionAnswerer interface {
	Ask(ctx context.Context, session *domain.Session, question string) (*domain.Answer, error)
	AskStream(ctx context.Context, session *domain.Session, question string) (AnswerStream, error)
}

// ChatService is the plain chat pipeline without retrieval.
type ChatService interface {
	Send(ctx context.Context, session *domain.Session, model, message string) (*domain.Answer, error)
	SendStream(ctx context.Context, session *domain.Session, model, message string) (AnswerStream, error)
	Models() []domain.ChatModel
}

// SessionStore owns the live sessions of a long-running process.
type SessionStore interface {
	Create() *domain.Session
	Get(id string) (*domain.Session, error)
	Delete(id string)
}
