package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	schemaMu    sync.Mutex
	schemaReady bool
	schemaDim   int
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Insert(ctx context.Context, records []domain.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := c.prepareCollection(ctx, len(records[0].Vector)); err != nil {
		return err
	}

	points := make([]point, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("record %s has no vector", rec.ID)
		}
		points = append(points, point{
			ID:     rec.ID,
			Vector: rec.Vector,
			Payload: map[string]any{
				"doc_id":      rec.Source.DocumentID,
				"filename":    rec.Source.Filename,
				"page":        rec.Source.Page,
				"chunk_index": rec.Source.ChunkIndex,
				"text":        rec.Text,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	_, err := c.call(ctx, "qdrant.upsert", http.MethodPut, path, map[string]any{"points": points}, nil)
	return err
}

func (c *Client) Query(ctx context.Context, vector []float32, limit int) ([]domain.ScoredRecord, error) {
	if limit <= 0 || len(vector) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}

	var hits struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	found, err := c.call(ctx, "qdrant.search", http.MethodPost, path, body, &hits)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	out := make([]domain.ScoredRecord, 0, len(hits.Result))
	for _, r := range hits.Result {
		out = append(out, domain.ScoredRecord{
			EmbeddingRecord: domain.EmbeddingRecord{
				ID:     fmt.Sprintf("%v", r.ID),
				Vector: r.Vector,
				Text:   payloadString(r.Payload, "text"),
				Source: domain.SourceMeta{
					DocumentID: payloadString(r.Payload, "doc_id"),
					Filename:   payloadString(r.Payload, "filename"),
					Page:       getIntPayload(r.Payload, "page"),
					ChunkIndex: getIntPayload(r.Payload, "chunk_index"),
				},
			},
			Score: r.Score,
		})
	}
	return out, nil
}

func (c *Client) Count(ctx context.Context) (int, error) {
	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", c.collection)
	found, err := c.call(ctx, "qdrant.count", http.MethodPost, path, map[string]any{"exact": true}, &countResp)
	if err != nil || !found {
		return 0, err
	}
	return countResp.Result.Count, nil
}

// scrollPage bounds one scroll request when listing documents.
const scrollPage = 512

// DocumentIDs scrolls the collection, reading only the doc_id payload, and
// returns the distinct ids in first-seen order.
func (c *Client) DocumentIDs(ctx context.Context) ([]string, error) {
	path := fmt.Sprintf("/collections/%s/points/scroll", c.collection)
	seen := make(map[string]struct{})
	var ids []string
	var offset any
	for {
		body := map[string]any{
			"limit":        scrollPage,
			"with_payload": []string{"doc_id"},
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var page struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		found, err := c.call(ctx, "qdrant.scroll", http.MethodPost, path, body, &page)
		if err != nil {
			return nil, err
		}
		if !found {
			return ids, nil
		}
		for _, p := range page.Result.Points {
			id := payloadString(p.Payload, "doc_id")
			if _, dup := seen[id]; id == "" || dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if page.Result.NextPageOffset == nil {
			return ids, nil
		}
		offset = page.Result.NextPageOffset
	}
}

func (c *Client) DeleteDocuments(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{
					"key":   "doc_id",
					"match": map[string]any{"any": documentIDs},
				},
			},
		},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	_, err := c.call(ctx, "qdrant.delete", http.MethodPost, path, body, nil)
	return err
}

// Reset drops the collection; it is recreated on the next Insert.
func (c *Client) Reset(ctx context.Context) error {
	path := fmt.Sprintf("/collections/%s", c.collection)
	if _, err := c.call(ctx, "qdrant.drop_collection", http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.schemaMu.Lock()
	c.schemaReady = false
	c.schemaDim = 0
	c.schemaMu.Unlock()
	return nil
}

func (c *Client) prepareCollection(ctx context.Context, vectorSize int) error {
	c.schemaMu.Lock()
	if c.schemaReady && c.schemaDim == vectorSize {
		c.schemaMu.Unlock()
		return nil
	}
	c.schemaMu.Unlock()

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	_, err := c.call(ctx, "qdrant.ensure_collection", http.MethodPut, path, body, nil)
	if err != nil {
		var statusErr *StatusError
		// 409 when the collection already exists.
		if !errors.As(err, &statusErr) || statusErr.Code != http.StatusConflict {
			return err
		}
	}

	c.schemaMu.Lock()
	c.schemaReady = true
	c.schemaDim = vectorSize
	c.schemaMu.Unlock()
	return nil
}

// call performs one JSON request through the executor. It reports found=false
// on 404 so that an absent collection reads as empty.
func (c *Client) call(ctx context.Context, operation, method, path string, payload any, out any) (bool, error) {
	found := true
	fn := func(ctx context.Context) error {
		found = true
		var body io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal %s body: %w", operation, err)
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			found = false
			return nil
		}
		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &StatusError{Operation: operation, Code: resp.StatusCode, Body: string(raw)}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	var err error
	if c.executor == nil {
		err = fn(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, fn, resilience.ClassifyHTTP)
	}
	if err != nil {
		return false, resilience.MarkTemporary(operation, err)
	}
	return found, nil
}

func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// StatusError is a non-2xx, non-404 reply from Qdrant.
type StatusError struct {
	Operation string
	Code      int
	Body      string
}

func (e *StatusError) Error() string {
	if msg := strings.TrimSpace(e.Body); msg != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.Code, msg)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Operation, e.Code)
}

func (e *StatusError) HTTPStatus() int {
	return e.Code
}
