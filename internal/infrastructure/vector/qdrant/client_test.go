package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

func testRecords() []domain.EmbeddingRecord {
	return []domain.EmbeddingRecord{
		{ID: "7f0e3c2a-0000-5000-8000-000000000001", Vector: []float32{0.1, 0.2}, Text: "a", Source: domain.SourceMeta{DocumentID: "doc-1", Filename: "a.pdf", Page: 1}},
		{ID: "7f0e3c2a-0000-5000-8000-000000000002", Vector: []float32{0.3, 0.4}, Text: "b", Source: domain.SourceMeta{DocumentID: "doc-1", Filename: "a.pdf", Page: 2, ChunkIndex: 1}},
	}
}

func TestInsertEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var upserted []point
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/points":
			var body struct {
				Points []point `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			upserted = append(upserted, body.Points...)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "docs", nil)
	if err := client.Insert(context.Background(), testRecords()); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}
	if err := client.Insert(context.Background(), testRecords()); err != nil {
		t.Fatalf("second Insert() error = %v", err)
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	if len(upserted) != 4 || upserted[1].Payload["doc_id"] != "doc-1" || upserted[1].Payload["page"] != float64(2) {
		t.Fatalf("unexpected upserted points: %+v", upserted)
	}
}

func TestInsertToleratesExistingCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/docs" {
			http.Error(w, "already exists", http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	if err := New(server.URL, "docs", nil).Insert(context.Background(), testRecords()); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/docs" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	err := New(server.URL, "docs", nil).Insert(context.Background(), testRecords()[:1])
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 500 to be temporary, got %v", err)
	}
}

func TestQueryDecodesRecordsWithVectors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["with_vector"] != true || req["limit"] != float64(20) {
			t.Errorf("unexpected search request: %v", req)
		}
		_, _ = w.Write([]byte(`{"result":[{"id":"p1","score":0.91,"vector":[0.1,0.2],"payload":{"doc_id":"doc-1","filename":"a.pdf","page":3,"chunk_index":4,"text":"mitosis"}}]}`))
	}))
	defer server.Close()

	records, err := New(server.URL, "docs", nil).Query(context.Background(), []float32{0.1, 0.2}, 20)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.ID != "p1" || got.Text != "mitosis" || got.Source.Page != 3 || got.Source.ChunkIndex != 4 || len(got.Vector) != 2 || got.Score != 0.91 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMissingCollectionReadsAsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, "docs", nil)
	records, err := client.Query(context.Background(), []float32{1}, 5)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty query, got %v, %v", records, err)
	}
	count, err := client.Count(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("expected zero count, got %d, %v", count, err)
	}
	if err := client.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
}

func TestDeleteDocumentsFiltersByDocumentID(t *testing.T) {
	var filter string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs/points/delete" {
			http.NotFound(w, r)
			return
		}
		raw := new(strings.Builder)
		_ = json.NewEncoder(raw).Encode(func() any {
			var body any
			_ = json.NewDecoder(r.Body).Decode(&body)
			return body
		}())
		filter = raw.String()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	if err := New(server.URL, "docs", nil).DeleteDocuments(context.Background(), []string{"doc-1", "doc-2"}); err != nil {
		t.Fatalf("DeleteDocuments() error = %v", err)
	}
	if !strings.Contains(filter, `"key":"doc_id"`) || !strings.Contains(filter, `"any":["doc-1","doc-2"]`) {
		t.Fatalf("unexpected delete filter: %s", filter)
	}
}

func TestDocumentIDsScrollsAllPages(t *testing.T) {
	var offsets []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs/points/scroll" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		offsets = append(offsets, body["offset"])
		if body["offset"] == nil {
			_, _ = w.Write([]byte(`{"result":{"points":[{"payload":{"doc_id":"doc-1"}},{"payload":{"doc_id":"doc-1"}}],"next_page_offset":"p-3"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":{"points":[{"payload":{"doc_id":"doc-2"}}],"next_page_offset":null}}`))
	}))
	defer server.Close()

	ids, err := New(server.URL, "docs", nil).DocumentIDs(context.Background())
	if err != nil {
		t.Fatalf("DocumentIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "doc-1" || ids[1] != "doc-2" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if len(offsets) != 2 || offsets[1] != "p-3" {
		t.Fatalf("unexpected scroll offsets %v", offsets)
	}
}

func TestDocumentIDsOfMissingCollection(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	ids, err := New(server.URL, "docs", nil).DocumentIDs(context.Background())
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no ids, got %v, %v", ids, err)
	}
}
