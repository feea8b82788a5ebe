package domain

import (
	"io"
	"strings"
	"time"
)

// Upload is one file handed to the ingestion pipeline.
type Upload struct {
	Filename string
	MimeType string
	Body     io.Reader
}

// Page is one text fragment produced by a document loader.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

type Document struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mime_type"`
	StoragePath string `json:"storage_path"`
	Pages       []Page `json:"pages,omitempty"`
}

// PageSeparator joins page texts into the single text handed to the chunker.
const PageSeparator = "\n\n"

// Text joins non-empty pages and returns, for each kept page, the rune offset
// where it starts in the joined text.
func (d *Document) Text() (string, []PageOffset) {
	var b strings.Builder
	offsets := make([]PageOffset, 0, len(d.Pages))
	pos := 0
	for _, p := range d.Pages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(PageSeparator)
			pos += len([]rune(PageSeparator))
		}
		offsets = append(offsets, PageOffset{Page: p.Number, Start: pos})
		b.WriteString(text)
		pos += len([]rune(text))
	}
	return b.String(), offsets
}

type PageOffset struct {
	Page  int
	Start int
}

// PageAt returns the page containing rune offset pos.
func PageAt(offsets []PageOffset, pos int) int {
	page := 0
	for _, o := range offsets {
		if o.Start > pos {
			break
		}
		page = o.Page
	}
	return page
}

// Segment is one chunker output. Start is the rune offset of the segment in
// the source text; Overlap is the number of leading runes shared with the
// previous segment.
type Segment struct {
	Text    string
	Start   int
	Overlap int
}

type CatalogStatus string

const CatalogStatusReady CatalogStatus = "ready"

// CatalogEntry describes one ingested document in the knowledge-base catalog.
type CatalogEntry struct {
	DocumentID string        `json:"document_id"`
	Filename   string        `json:"filename"`
	MimeType   string        `json:"mime_type"`
	Pages      int           `json:"pages"`
	Chunks     int           `json:"chunks"`
	Status     CatalogStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// KnowledgeBase is the handle returned by ingestion. Generation increases on
// every change so cached retrieval handles can detect staleness.
type KnowledgeBase struct {
	ID         string    `json:"id"`
	Generation uint64    `json:"generation"`
	Documents  []string  `json:"documents"`
	Chunks     int       `json:"chunks"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type IngestOptions struct {
	// Replace clears the index before inserting the new batch.
	Replace bool
}
