package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

// KnowledgeBaseState holds the process-wide knowledge-base handle. Every
// change bumps the generation so that session retrievers are rebuilt lazily.
type KnowledgeBaseState struct {
	catalog ports.DocumentCatalog

	mu         sync.RWMutex
	current    *domain.KnowledgeBase
	generation uint64
	entries    map[string]domain.CatalogEntry
}

func NewKnowledgeBaseState(catalog ports.DocumentCatalog) *KnowledgeBaseState {
	return &KnowledgeBaseState{
		catalog: catalog,
		entries: make(map[string]domain.CatalogEntry),
	}
}

// Current returns a copy of the active handle, or nil when nothing is ingested.
func (s *KnowledgeBaseState) Current() *domain.KnowledgeBase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	kb := *s.current
	kb.Documents = append([]string(nil), s.current.Documents...)
	return &kb
}

func (s *KnowledgeBaseState) Documents(ctx context.Context) ([]domain.CatalogEntry, error) {
	if s.catalog != nil {
		entries, err := s.catalog.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list catalog: %w", err)
		}
		return entries, nil
	}

	s.mu.RLock()
	out := make([]domain.CatalogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Filename < out[j].Filename
	})
	return out, nil
}

// Restore adopts a non-empty durable index found at startup.
func (s *KnowledgeBaseState) Restore(ctx context.Context, store ports.VectorStore) error {
	n, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count index records: %w", err)
	}
	if n == 0 {
		return nil
	}

	var documents []string
	if s.catalog != nil {
		entries, err := s.catalog.List(ctx)
		if err != nil {
			slog.Warn("kb_restore_catalog_failed", "error", err)
		}
		for _, e := range entries {
			if e.Status == domain.CatalogStatusReady {
				documents = append(documents, e.Filename)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.current = &domain.KnowledgeBase{
		ID:         uuid.NewString(),
		Generation: s.generation,
		Documents:  documents,
		Chunks:     n,
		UpdatedAt:  time.Now().UTC(),
	}
	slog.Info("kb_restored", "chunks", n, "documents", len(documents))
	return nil
}

// Adopt applies an update announced by another process sharing the index.
func (s *KnowledgeBaseState) Adopt(_ context.Context, kb domain.KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if kb.Chunks == 0 {
		s.current = nil
		return nil
	}
	adopted := kb
	adopted.Generation = s.generation
	adopted.Documents = append([]string(nil), kb.Documents...)
	s.current = &adopted
	return nil
}

// commit publishes the result of a successful ingestion.
func (s *KnowledgeBaseState) commit(ctx context.Context, entries []domain.CatalogEntry, chunks int, replace bool) *domain.KnowledgeBase {
	if s.catalog != nil {
		if replace {
			if err := s.catalog.Clear(ctx); err != nil {
				slog.Warn("catalog_clear_failed", "error", err)
			}
		}
		if err := s.catalog.Record(ctx, entries); err != nil {
			slog.Warn("catalog_record_failed", "documents", len(entries), "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if replace {
		s.entries = make(map[string]domain.CatalogEntry)
	}
	for _, e := range entries {
		s.entries[e.DocumentID] = e
	}

	var documents []string
	if s.current != nil && !replace {
		documents = append(documents, s.current.Documents...)
	}
	for _, e := range entries {
		if !containsString(documents, e.Filename) {
			documents = append(documents, e.Filename)
		}
	}

	s.generation++
	id := uuid.NewString()
	if s.current != nil && !replace {
		id = s.current.ID
	}
	s.current = &domain.KnowledgeBase{
		ID:         id,
		Generation: s.generation,
		Documents:  documents,
		Chunks:     chunks,
		UpdatedAt:  time.Now().UTC(),
	}
	kb := *s.current
	return &kb
}

// clear drops the handle after the index was emptied and returns the empty
// knowledge base to announce.
func (s *KnowledgeBaseState) clear(ctx context.Context) domain.KnowledgeBase {
	if s.catalog != nil {
		if err := s.catalog.Clear(ctx); err != nil {
			slog.Warn("catalog_clear_failed", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.current = nil
	s.entries = make(map[string]domain.CatalogEntry)
	return domain.KnowledgeBase{Generation: s.generation, UpdatedAt: time.Now().UTC()}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
