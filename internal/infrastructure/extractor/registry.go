// Package extractor routes documents to a loader by MIME type or extension.
package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

type Registry struct {
	byExtension map[string]ports.TextExtractor
	byMIME      map[string]ports.TextExtractor
}

func NewRegistry() *Registry {
	return &Registry{
		byExtension: make(map[string]ports.TextExtractor),
		byMIME:      make(map[string]ports.TextExtractor),
	}
}

// Register binds an extractor to file extensions (".pdf") and MIME types.
func (r *Registry) Register(extractor ports.TextExtractor, extensions []string, mimeTypes []string) {
	for _, ext := range extensions {
		r.byExtension[strings.ToLower(ext)] = extractor
	}
	for _, mt := range mimeTypes {
		r.byMIME[strings.ToLower(mt)] = extractor
	}
}

func (r *Registry) Supports(filename, mimeType string) bool {
	_, ok := r.lookup(filename, mimeType)
	return ok
}

func (r *Registry) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	extractor, ok := r.lookup(doc.Filename, doc.MimeType)
	if !ok {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"select loader",
			fmt.Errorf("unsupported document type: %s", doc.Filename),
		)
	}
	return extractor.Extract(ctx, doc)
}

func (r *Registry) lookup(filename, mimeType string) (ports.TextExtractor, bool) {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if extractor, ok := r.byExtension[ext]; ok {
			return extractor, true
		}
	}
	mt := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	extractor, ok := r.byMIME[mt]
	return extractor, ok
}
