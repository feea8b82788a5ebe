package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

const (
	ingestionLockName     = "knowledge-base"
	defaultLockTTL        = 10 * time.Minute
	defaultEmbedBatchSize = 32

	stageLoad  = "load"
	stageEmbed = "embed"
	stageIndex = "index"
)

// Document and record ids are derived from content so that re-ingesting the
// same files yields the same index contents.
var documentNamespace = uuid.MustParse("6f1d7c1e-4b7a-5d38-9a52-3c1f0e8b2d47")

// IngestObserver receives per-batch ingestion outcomes, typically for metrics.
type IngestObserver interface {
	ObserveIngestion(outcome string, documents, chunks int, duration time.Duration)
}

type IngestConfig struct {
	EmbedBatchSize int
	LockTTL        time.Duration
}

type IngestUseCase struct {
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	store     ports.VectorStore
	lock      ports.IngestionLock
	state     *KnowledgeBaseState
	events    ports.KnowledgeBaseEvents
	observer  IngestObserver

	batchSize int
	lockTTL   time.Duration
}

func NewIngestUseCase(
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	store ports.VectorStore,
	lock ports.IngestionLock,
	state *KnowledgeBaseState,
	cfg IngestConfig,
) *IngestUseCase {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultEmbedBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &IngestUseCase{
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		lock:      lock,
		state:     state,
		batchSize: cfg.EmbedBatchSize,
		lockTTL:   cfg.LockTTL,
	}
}

func (uc *IngestUseCase) WithEvents(events ports.KnowledgeBaseEvents) *IngestUseCase {
	uc.events = events
	return uc
}

func (uc *IngestUseCase) WithObserver(observer IngestObserver) *IngestUseCase {
	uc.observer = observer
	return uc
}

// preparedDocument is a fully loaded, chunked and embedded document that has
// not been written to the index yet.
type preparedDocument struct {
	doc     *domain.Document
	records []domain.EmbeddingRecord
}

// Ingest builds the knowledge base from uploads. The batch is all or nothing:
// every document is loaded, chunked and embedded before the first index write,
// a failed write removes only the documents this batch added, and a replace
// batch drops the previous documents only once its own records are in.
func (uc *IngestUseCase) Ingest(ctx context.Context, uploads []domain.Upload, opts domain.IngestOptions) (*domain.KnowledgeBase, error) {
	if len(uploads) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest", errors.New("Please upload PDF documents first!"))
	}

	started := time.Now()
	kb, chunks, err := uc.ingestLocked(ctx, uploads, opts)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if uc.observer != nil {
		uc.observer.ObserveIngestion(outcome, len(uploads), chunks, time.Since(started))
	}
	if err != nil {
		slog.Error("ingestion_failed", "documents", len(uploads), "error", err)
		return nil, err
	}

	slog.Info("ingestion_completed",
		"kb_id", kb.ID,
		"generation", kb.Generation,
		"documents", len(uploads),
		"chunks", chunks,
		"replace", opts.Replace,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	if uc.events != nil {
		if err := uc.events.PublishKnowledgeBaseUpdated(ctx, *kb); err != nil {
			slog.Warn("kb_event_publish_failed", "kb_id", kb.ID, "error", err)
		}
	}
	return kb, nil
}

func (uc *IngestUseCase) ingestLocked(ctx context.Context, uploads []domain.Upload, opts domain.IngestOptions) (*domain.KnowledgeBase, int, error) {
	acquired, err := uc.lock.Acquire(ctx, ingestionLockName, uc.lockTTL)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire ingestion lock: %w", err)
	}
	if !acquired {
		return nil, 0, domain.WrapError(domain.ErrIngestionInProgress, "ingest", errors.New("another ingestion holds the lock"))
	}
	defer func() {
		if err := uc.lock.Release(context.WithoutCancel(ctx), ingestionLockName); err != nil {
			slog.Warn("ingestion_lock_release_failed", "error", err)
		}
	}()

	prepared := make([]preparedDocument, 0, len(uploads))
	for _, upload := range uploads {
		p, err := uc.prepare(ctx, upload)
		if err != nil {
			return nil, 0, err
		}
		prepared = append(prepared, p)
	}

	before, err := uc.store.DocumentIDs(ctx)
	if err != nil {
		return nil, 0, domain.WrapError(domain.ErrIngestion, "list indexed documents", err)
	}
	indexed := make(map[string]bool, len(before))
	for _, id := range before {
		indexed[id] = true
	}

	total, added, err := uc.write(ctx, prepared, indexed)
	if err != nil {
		return nil, 0, err
	}
	if opts.Replace {
		if err := uc.dropSuperseded(ctx, before, prepared); err != nil {
			uc.rollback(ctx, added)
			return nil, 0, err
		}
	}

	chunks, err := uc.store.Count(ctx)
	if err != nil {
		slog.Warn("index_count_failed", "error", err)
		chunks = total
	}

	now := time.Now().UTC()
	entries := make([]domain.CatalogEntry, 0, len(prepared))
	for _, p := range prepared {
		entries = append(entries, domain.CatalogEntry{
			DocumentID: p.doc.ID,
			Filename:   p.doc.Filename,
			MimeType:   p.doc.MimeType,
			Pages:      len(p.doc.Pages),
			Chunks:     len(p.records),
			Status:     domain.CatalogStatusReady,
			CreatedAt:  now,
		})
	}
	return uc.state.commit(ctx, entries, chunks, opts.Replace), total, nil
}

// write inserts every prepared document. Documents that were already
// indexed get identical records again, so on failure only the ones this
// batch added are removed. It returns the ids it added.
func (uc *IngestUseCase) write(ctx context.Context, prepared []preparedDocument, indexed map[string]bool) (int, []string, error) {
	var added []string
	total := 0
	for _, p := range prepared {
		if !indexed[p.doc.ID] {
			indexed[p.doc.ID] = true
			added = append(added, p.doc.ID)
		}
		if err := uc.store.Insert(ctx, p.records); err != nil {
			uc.rollback(ctx, added)
			return 0, nil, &domain.IngestionError{Filename: p.doc.Filename, Stage: stageIndex, Err: err}
		}
		total += len(p.records)
	}
	return total, added, nil
}

// dropSuperseded removes, after a replace batch was written, every document
// indexed before that is not part of the batch.
func (uc *IngestUseCase) dropSuperseded(ctx context.Context, before []string, prepared []preparedDocument) error {
	keep := make(map[string]bool, len(prepared))
	for _, p := range prepared {
		keep[p.doc.ID] = true
	}
	var stale []string
	for _, id := range before {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := uc.store.DeleteDocuments(ctx, stale); err != nil {
		return domain.WrapError(domain.ErrIngestion, "remove replaced documents", err)
	}
	return nil
}

func (uc *IngestUseCase) rollback(ctx context.Context, documentIDs []string) {
	if len(documentIDs) == 0 {
		return
	}
	if err := uc.store.DeleteDocuments(context.WithoutCancel(ctx), documentIDs); err != nil {
		slog.Error("ingestion_rollback_failed", "documents", len(documentIDs), "error", err)
	}
}

// Clear empties the index and the catalog under the ingestion lock.
func (uc *IngestUseCase) Clear(ctx context.Context) error {
	acquired, err := uc.lock.Acquire(ctx, ingestionLockName, uc.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire ingestion lock: %w", err)
	}
	if !acquired {
		return domain.WrapError(domain.ErrIngestionInProgress, "clear", errors.New("another ingestion holds the lock"))
	}
	defer func() {
		if err := uc.lock.Release(context.WithoutCancel(ctx), ingestionLockName); err != nil {
			slog.Warn("ingestion_lock_release_failed", "error", err)
		}
	}()

	if err := uc.store.Reset(ctx); err != nil {
		return domain.WrapError(domain.ErrTemporary, "reset index", err)
	}
	kb := uc.state.clear(ctx)
	slog.Info("kb_cleared", "generation", kb.Generation)
	if uc.events != nil {
		if err := uc.events.PublishKnowledgeBaseUpdated(ctx, kb); err != nil {
			slog.Warn("kb_event_publish_failed", "error", err)
		}
	}
	return nil
}

func (uc *IngestUseCase) prepare(ctx context.Context, upload domain.Upload) (preparedDocument, error) {
	fail := func(stage string, err error) (preparedDocument, error) {
		return preparedDocument{}, &domain.IngestionError{Filename: upload.Filename, Stage: stage, Err: err}
	}

	raw, err := io.ReadAll(upload.Body)
	if err != nil {
		return fail(stageLoad, fmt.Errorf("read upload: %w", err))
	}

	id := documentID(upload.Filename, raw)
	doc := &domain.Document{
		ID:          id.String(),
		Filename:    upload.Filename,
		MimeType:    upload.MimeType,
		StoragePath: fmt.Sprintf("%s_%s", id, sanitizeFilename(upload.Filename)),
	}

	if err := uc.storage.Save(ctx, doc.StoragePath, bytes.NewReader(raw)); err != nil {
		return fail(stageLoad, fmt.Errorf("stage upload: %w", err))
	}
	defer func() {
		if err := uc.storage.Delete(context.WithoutCancel(ctx), doc.StoragePath); err != nil {
			slog.Warn("staged_upload_cleanup_failed", "key", doc.StoragePath, "error", err)
		}
	}()

	pages, err := uc.extractor.Extract(ctx, doc)
	if err != nil {
		return fail(stageLoad, err)
	}
	doc.Pages = pages

	text, offsets := doc.Text()
	segments := uc.chunker.Split(text)
	if len(segments) == 0 {
		return fail(stageLoad, domain.WrapError(domain.ErrInvalidInput, "chunk", errors.New("document has no extractable text")))
	}

	records := make([]domain.EmbeddingRecord, len(segments))
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
		records[i] = domain.EmbeddingRecord{
			ID:   uuid.NewSHA1(id, []byte(strconv.Itoa(i))).String(),
			Text: seg.Text,
			Source: domain.SourceMeta{
				DocumentID: doc.ID,
				Filename:   doc.Filename,
				Page:       domain.PageAt(offsets, seg.Start+seg.Overlap),
				ChunkIndex: i,
			},
		}
	}

	for start := 0; start < len(texts); start += uc.batchSize {
		end := min(start+uc.batchSize, len(texts))
		vectors, err := uc.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fail(stageEmbed, err)
		}
		if len(vectors) != end-start {
			return fail(stageEmbed, fmt.Errorf("expected %d vectors, got %d", end-start, len(vectors)))
		}
		for i, v := range vectors {
			records[start+i].Vector = v
		}
	}

	return preparedDocument{doc: doc, records: records}, nil
}

func documentID(filename string, content []byte) uuid.UUID {
	sum := sha256.Sum256(content)
	return uuid.NewSHA1(documentNamespace, append([]byte(filepath.Base(filename)+"\x00"), sum[:]...))
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
