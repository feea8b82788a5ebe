// Package sqlite is the durable local vector index: records live in a single
// SQLite file and queries rank them by cosine similarity in process.
package sqlite

import (
	"container/heap"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

//go:embed schema.sql
var schemaSQL string

const dbFileName = "index.db"

type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the index under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = "./chroma_db"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying index schema: %w", err)
	}
	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

// Insert writes records in one transaction. Existing ids are overwritten, so
// re-inserting the same records leaves the index unchanged.
func (s *Store) Insert(ctx context.Context, records []domain.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO embeddings (id, doc_id, filename, page, chunk_index, text, dim, vector)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("record %s has no vector", rec.ID)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.Source.DocumentID,
			rec.Source.Filename,
			rec.Source.Page,
			rec.Source.ChunkIndex,
			rec.Text,
			len(rec.Vector),
			encodeVector(rec.Vector),
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Query returns up to limit records most similar to vector, with their vectors.
func (s *Store) Query(ctx context.Context, vector []float32, limit int) ([]domain.ScoredRecord, error) {
	if limit <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, doc_id, filename, page, chunk_index, text, vector
FROM embeddings WHERE dim = ?`, len(vector))
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	top := &scoredHeap{}
	for rows.Next() {
		var (
			rec  domain.ScoredRecord
			blob []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Source.DocumentID,
			&rec.Source.Filename,
			&rec.Source.Page,
			&rec.Source.ChunkIndex,
			&rec.Text,
			&blob,
		); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		rec.Vector = decodeVector(blob)
		rec.Score = domain.CosineSimilarity(vector, rec.Vector)

		if top.Len() < limit {
			heap.Push(top, rec)
		} else if rec.Score > (*top)[0].Score {
			(*top)[0] = rec
			heap.Fix(top, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	out := make([]domain.ScoredRecord, top.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(top).(domain.ScoredRecord)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// DocumentIDs lists the distinct documents present in the index.
func (s *Store) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT doc_id FROM embeddings ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteDocuments(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(documentIDs)), ",")
	args := make([]any, len(documentIDs))
	for i, id := range documentIDs {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE doc_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("reset embeddings: %w", err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// scoredHeap is a min-heap on Score holding the current best candidates.
type scoredHeap []domain.ScoredRecord

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scoredHeap) Push(x any) { *h = append(*h, x.(domain.ScoredRecord)) }

func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
