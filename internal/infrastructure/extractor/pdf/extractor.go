// Package pdf loads page texts from PDF documents.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

// Extract returns one page per PDF page, in order. Pages without a text
// layer are kept with empty text so numbering stays aligned.
func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	return ExtractBytes(ctx, raw)
}

func ExtractBytes(ctx context.Context, raw []byte) (pages []domain.Page, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = domain.WrapError(domain.ErrInvalidInput, "parse pdf", fmt.Errorf("corrupt pdf: %v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse pdf", err)
	}

	total := r.NumPage()
	pages = make([]domain.Page, 0, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, domain.Page{Number: i})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, fmt.Sprintf("read pdf page %d", i), err)
		}
		pages = append(pages, domain.Page{Number: i, Text: pageText(text)})
	}
	return pages, nil
}

// pageText trims a page and replaces byte sequences that are not UTF-8, which
// some font encodings produce, so offsets computed over runes hold.
func pageText(raw string) string {
	return strings.ToValidUTF8(strings.TrimSpace(raw), "\uFFFD")
}
