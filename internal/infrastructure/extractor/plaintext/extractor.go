// Package plaintext reads .txt and .md uploads. Form feeds split pages so
// that exported notes keep their page numbers.
package plaintext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	rc, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	return Pages(doc.Filename, raw)
}

// Pages decodes raw as UTF-8 text. An all-blank document yields no pages.
func Pages(name string, raw []byte) ([]domain.Page, error) {
	raw = bytes.TrimPrefix(raw, bom)
	if !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read text document", fmt.Errorf("%s is not valid UTF-8 text", name))
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	parts := strings.Split(text, "\f")
	pages := make([]domain.Page, len(parts))
	for i, part := range parts {
		pages[i] = domain.Page{Number: i + 1, Text: strings.TrimSpace(part)}
	}
	return pages, nil
}
