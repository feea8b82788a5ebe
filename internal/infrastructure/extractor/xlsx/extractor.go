// Package xlsx loads spreadsheet workbooks, one page per sheet.
package xlsx

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	reader, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}
	defer reader.Close()

	book, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse workbook", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	pages := make([]domain.Page, 0, len(sheets))
	for i, sheet := range sheets {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		var b strings.Builder
		b.WriteString(sheet)
		b.WriteString("\n")
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		pages = append(pages, domain.Page{Number: i + 1, Text: strings.TrimSpace(b.String())})
	}
	return pages, nil
}
