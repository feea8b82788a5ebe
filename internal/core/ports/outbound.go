package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// ObjectStorage stages uploaded source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// TextExtractor loads the ordered page texts of a staged document.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error)
}

// Chunker splits text into overlapping bounded segments.
type Chunker interface {
	Split(text string) []domain.Segment
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the durable nearest-neighbour index. Query returns records
// with their vectors, most similar first; an empty or absent index yields no
// records and no error.
type VectorStore interface {
	Insert(ctx context.Context, records []domain.EmbeddingRecord) error
	Query(ctx context.Context, vector []float32, limit int) ([]domain.ScoredRecord, error)
	Count(ctx context.Context) (int, error)
	// DocumentIDs lists the distinct documents that have records.
	DocumentIDs(ctx context.Context) ([]string, error)
	DeleteDocuments(ctx context.Context, documentIDs []string) error
	Reset(ctx context.Context) error
}

// CompletionService is the language model, blocking or streaming.
type CompletionService interface {
	Complete(ctx context.Context, prompt domain.Prompt, opts domain.GenerationOptions) (string, error)
	Stream(ctx context.Context, prompt domain.Prompt, opts domain.GenerationOptions) (domain.TextStream, error)
}

// IngestionLock guards the single-writer ingestion pipeline.
type IngestionLock interface {
	// Acquire returns false when the lock is already held.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// DocumentCatalog records which documents make up the knowledge base.
type DocumentCatalog interface {
	Record(ctx context.Context, entries []domain.CatalogEntry) error
	List(ctx context.Context) ([]domain.CatalogEntry, error)
	Clear(ctx context.Context) error
}

// KnowledgeBaseEvents fans out knowledge-base updates between processes.
type KnowledgeBaseEvents interface {
	PublishKnowledgeBaseUpdated(ctx context.Context, kb domain.KnowledgeBase) error
	SubscribeKnowledgeBaseUpdated(ctx context.Context, handler func(context.Context, domain.KnowledgeBase) error) error
}
