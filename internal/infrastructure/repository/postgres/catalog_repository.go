package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// CatalogRepository stores the documents that make up the knowledge base.
type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *CatalogRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api and cli startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101701)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS kb_documents (
	document_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	pages INTEGER NOT NULL DEFAULT 0,
	chunks INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kb_documents_created_at ON kb_documents(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Record upserts entries in one transaction; re-ingesting a document keeps a
// single row keyed by its content-derived id.
func (r *CatalogRepository) Record(ctx context.Context, entries []domain.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO kb_documents (document_id, filename, mime_type, pages, chunks, status, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (document_id) DO UPDATE SET
	filename = EXCLUDED.filename,
	mime_type = EXCLUDED.mime_type,
	pages = EXCLUDED.pages,
	chunks = EXCLUDED.chunks,
	status = EXCLUDED.status,
	error_message = EXCLUDED.error_message
`,
			e.DocumentID, e.Filename, e.MimeType, e.Pages, e.Chunks, string(e.Status), e.Error, createdAt,
		)
		if err != nil {
			return fmt.Errorf("upsert catalog entry %s: %w", e.DocumentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	return nil
}

func (r *CatalogRepository) List(ctx context.Context) ([]domain.CatalogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT document_id, filename, mime_type, pages, chunks, status, error_message, created_at
FROM kb_documents
ORDER BY created_at DESC, filename
`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CatalogEntry, 0)
	for rows.Next() {
		var e domain.CatalogEntry
		var status string
		if err := rows.Scan(&e.DocumentID, &e.Filename, &e.MimeType, &e.Pages, &e.Chunks, &status, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		e.Status = domain.CatalogStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return out, nil
}

func (r *CatalogRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kb_documents`); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	return nil
}
