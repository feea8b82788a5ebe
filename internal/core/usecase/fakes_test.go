package usecase

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

type memoryStorage struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{files: make(map[string][]byte)}
}

func (s *memoryStorage) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *memoryStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	raw, ok := s.files[key]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *memoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.files, key)
	s.deleted = append(s.deleted, key)
	s.mu.Unlock()
	return nil
}

// pageExtractor treats form feeds as page breaks.
type pageExtractor struct {
	storage *memoryStorage
	failFor string
}

func (e *pageExtractor) Extract(ctx context.Context, doc *domain.Document) ([]domain.Page, error) {
	if doc.Filename == e.failFor {
		return nil, errors.New("corrupt file")
	}
	rc, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	parts := strings.Split(string(raw), "\f")
	pages := make([]domain.Page, 0, len(parts))
	for i, p := range parts {
		pages = append(pages, domain.Page{Number: i + 1, Text: p})
	}
	return pages, nil
}

// fixedChunker splits on a fixed rune width without overlap.
type fixedChunker struct {
	size int
}

func (c fixedChunker) Split(text string) []domain.Segment {
	runes := []rune(text)
	var out []domain.Segment
	for start := 0; start < len(runes); start += c.size {
		end := min(start+c.size, len(runes))
		out = append(out, domain.Segment{Text: string(runes[start:end]), Start: start})
	}
	return out
}

// hashEmbedder maps words into a bag-of-words vector so that identical texts
// embed identically and shared vocabulary raises similarity.
type hashEmbedder struct {
	mu      sync.Mutex
	calls   int
	batches []int
	err     error
}

const hashDims = 64

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.batches = append(e.batches, len(texts))
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func embedText(text string) []float32 {
	v := make([]float32, hashDims)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%hashDims]++
	}
	return v
}

type memoryIndex struct {
	mu         sync.Mutex
	records    map[string]domain.EmbeddingRecord
	inserts    int
	failInsert int   // fail the n-th Insert call, 1-based
	failDelete error // returned once by the next DeleteDocuments call
	listErr    error
	deleted    []string
	resets     int
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{records: make(map[string]domain.EmbeddingRecord)}
}

func (m *memoryIndex) Insert(_ context.Context, records []domain.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.failInsert == m.inserts {
		// Simulate a partial write before the failure.
		if len(records) > 0 {
			m.records[records[0].ID] = records[0]
		}
		return errors.New("disk full")
	}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return nil
}

func (m *memoryIndex) Query(_ context.Context, vector []float32, limit int) ([]domain.ScoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ScoredRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, domain.ScoredRecord{EmbeddingRecord: r, Score: domain.CosineSimilarity(vector, r.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryIndex) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *memoryIndex) DocumentIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	seen := make(map[string]bool)
	var ids []string
	for _, r := range m.records {
		if !seen[r.Source.DocumentID] {
			seen[r.Source.DocumentID] = true
			ids = append(ids, r.Source.DocumentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryIndex) DeleteDocuments(_ context.Context, documentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failDelete; err != nil {
		m.failDelete = nil
		return err
	}
	m.deleted = append(m.deleted, documentIDs...)
	for id, r := range m.records {
		for _, doc := range documentIDs {
			if r.Source.DocumentID == doc {
				delete(m.records, id)
			}
		}
	}
	return nil
}

func (m *memoryIndex) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.records = make(map[string]domain.EmbeddingRecord)
	return nil
}

// snapshot returns records sorted by id without vectors.
func (m *memoryIndex) snapshot() []domain.EmbeddingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EmbeddingRecord, 0, len(m.records))
	for _, r := range m.records {
		r.Vector = nil
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeLock struct {
	held     bool
	released int
}

func (l *fakeLock) Acquire(context.Context, string, time.Duration) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Release(context.Context, string) error {
	l.held = false
	l.released++
	return nil
}

type eventsFake struct {
	published []domain.KnowledgeBase
}

func (e *eventsFake) PublishKnowledgeBaseUpdated(_ context.Context, kb domain.KnowledgeBase) error {
	e.published = append(e.published, kb)
	return nil
}

func (e *eventsFake) SubscribeKnowledgeBaseUpdated(context.Context, func(context.Context, domain.KnowledgeBase) error) error {
	return nil
}

// completionFake returns text or err; stream fragments come from fragments.
type completionFake struct {
	mu        sync.Mutex
	text      string
	err       error
	fragments []string
	streamErr error // returned by Next after the fragments
	calls     int
	prompts   []domain.Prompt
	opts      []domain.GenerationOptions
}

func (c *completionFake) Complete(_ context.Context, prompt domain.Prompt, opts domain.GenerationOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, prompt)
	c.opts = append(c.opts, opts)
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

func (c *completionFake) Stream(_ context.Context, prompt domain.Prompt, opts domain.GenerationOptions) (domain.TextStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, prompt)
	c.opts = append(c.opts, opts)
	if c.err != nil {
		return nil, c.err
	}
	return &sliceStream{fragments: append([]string(nil), c.fragments...), err: c.streamErr}, nil
}

type sliceStream struct {
	fragments []string
	err       error
	closed    bool
}

func (s *sliceStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.fragments) > 0 {
		f := s.fragments[0]
		s.fragments = s.fragments[1:]
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type retrieverFake struct {
	chunks []domain.RetrievedChunk
	err    error
	calls  int
}

func (r *retrieverFake) Retrieve(context.Context, string) ([]domain.RetrievedChunk, error) {
	r.calls++
	return r.chunks, r.err
}

type kbReaderFake struct {
	kb *domain.KnowledgeBase
}

func (f *kbReaderFake) Current() *domain.KnowledgeBase { return f.kb }

func (f *kbReaderFake) Documents(context.Context) ([]domain.CatalogEntry, error) { return nil, nil }
