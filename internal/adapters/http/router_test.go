package httpadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/scholarchat/internal/config"
	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
	"github.com/kirillkom/scholarchat/internal/core/usecase"
	"github.com/kirillkom/scholarchat/internal/observability/metrics"
)

type ingestFake struct {
	uploads []string
	bodies  []string
	opts    domain.IngestOptions
	err     error
	cleared int
}

func (f *ingestFake) Ingest(_ context.Context, uploads []domain.Upload, opts domain.IngestOptions) (*domain.KnowledgeBase, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opts = opts
	for _, u := range uploads {
		raw, err := io.ReadAll(u.Body)
		if err != nil {
			return nil, err
		}
		f.uploads = append(f.uploads, u.Filename)
		f.bodies = append(f.bodies, string(raw))
	}
	return &domain.KnowledgeBase{ID: "kb-1", Generation: 1, Documents: f.uploads, Chunks: 4}, nil
}

func (f *ingestFake) Clear(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.cleared++
	return nil
}

type kbFake struct {
	kb   *domain.KnowledgeBase
	docs []domain.CatalogEntry
}

func (f kbFake) Current() *domain.KnowledgeBase { return f.kb }

func (f kbFake) Documents(context.Context) ([]domain.CatalogEntry, error) { return f.docs, nil }

// fragmentStream replays fragments and then ends with err (io.EOF when nil).
type fragmentStream struct {
	fragments []string
	err       error
	text      string
	sources   []domain.RetrievedChunk
	closed    bool
}

func (s *fragmentStream) Next(context.Context) (string, error) {
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

func (s *fragmentStream) Close() error {
	s.closed = true
	return nil
}

func (s *fragmentStream) Sources() []domain.RetrievedChunk { return s.sources }

func (s *fragmentStream) Text() string { return s.text }

type answererFake struct {
	answer *domain.Answer
	err    error
	stream *fragmentStream
	asked  []string
}

func (f *answererFake) Ask(_ context.Context, session *domain.Session, question string) (*domain.Answer, error) {
	f.asked = append(f.asked, question)
	if f.err != nil {
		return nil, f.err
	}
	session.Append(domain.RoleUser, question)
	session.Append(domain.RoleAssistant, f.answer.Text)
	return f.answer, nil
}

func (f *answererFake) AskStream(_ context.Context, _ *domain.Session, question string) (ports.AnswerStream, error) {
	f.asked = append(f.asked, question)
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type chatFake struct {
	model string
}

func (f *chatFake) Send(_ context.Context, _ *domain.Session, model, message string) (*domain.Answer, error) {
	f.model = model
	return &domain.Answer{Text: "echo: " + message}, nil
}

func (f *chatFake) SendStream(_ context.Context, _ *domain.Session, model, message string) (ports.AnswerStream, error) {
	f.model = model
	return &fragmentStream{fragments: []string{"echo: ", message}, text: "echo: " + message}, nil
}

func (f *chatFake) Models() []domain.ChatModel { return usecase.DefaultChatModels }

type testServer struct {
	handler  http.Handler
	sessions *usecase.Sessions
	ingest   *ingestFake
	answers  *answererFake
	chat     *chatFake
}

func newTestServer(cfg config.Config, kb kbFake) *testServer {
	ts := &testServer{
		sessions: usecase.NewSessions(0),
		ingest:   &ingestFake{},
		answers:  &answererFake{answer: &domain.Answer{Text: "Mitochondria make ATP."}},
		chat:     &chatFake{},
	}
	ts.handler = NewRouter(cfg, ts.ingest, kb, ts.answers, ts.chat, ts.sessions).Handler()
	return ts
}

func newTestHandler(cfg config.Config) http.Handler {
	return newTestServer(cfg, kbFake{}).handler
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, httptest.NewRequest(method, path, reader))
	return res
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	res := ts.do(t, http.MethodGet, "/healthz", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestUploadDocumentsForwardsFilesAndReplace(t *testing.T) {
	ts := newTestServer(config.Config{MaxUploadMB: 1}, kbFake{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range map[string]string{"biology.pdf": "cells", "history.txt": "1789"} {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write([]byte(content))
	}
	_ = mw.WriteField("replace", "true")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/knowledge-base", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if len(ts.ingest.uploads) != 2 || !ts.ingest.opts.Replace {
		t.Fatalf("unexpected ingest call %+v", ts.ingest)
	}
	var kb domain.KnowledgeBase
	if err := json.Unmarshal(res.Body.Bytes(), &kb); err != nil || kb.ID != "kb-1" {
		t.Fatalf("unexpected response %s", res.Body.String())
	}
}

func TestUploadDocumentsMapsIngestionErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "empty", err: domain.WrapError(domain.ErrInvalidInput, "ingest", errors.New("Please upload PDF documents first!")), status: http.StatusBadRequest},
		{name: "busy", err: domain.WrapError(domain.ErrIngestionInProgress, "ingest", errors.New("locked")), status: http.StatusConflict},
		{name: "aborted", err: &domain.IngestionError{Filename: "a.pdf", Stage: "load", Err: errors.New("bad xref")}, status: http.StatusUnprocessableEntity},
		{name: "ollama down", err: domain.WrapError(domain.ErrTemporary, "ollama.embed", errors.New("503")), status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(config.Config{}, kbFake{})
			ts.ingest.err = tc.err

			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			_ = mw.Close()
			req := httptest.NewRequest(http.MethodPost, "/v1/knowledge-base", &body)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			res := httptest.NewRecorder()
			ts.handler.ServeHTTP(res, req)

			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, res.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil || resp.Error == "" || resp.RequestID == "" {
				t.Fatalf("unexpected error body %s", res.Body.String())
			}
		})
	}
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	res := ts.do(t, http.MethodPost, "/v1/knowledge-base", map[string]string{"x": "y"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestClearKnowledgeBase(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	res := ts.do(t, http.MethodDelete, "/v1/knowledge-base", nil)
	if res.Code != http.StatusNoContent || ts.ingest.cleared != 1 {
		t.Fatalf("expected 204 and one clear, got %d (%d)", res.Code, ts.ingest.cleared)
	}

	ts.ingest.err = domain.WrapError(domain.ErrIngestionInProgress, "clear", errors.New("locked"))
	res = ts.do(t, http.MethodDelete, "/v1/knowledge-base", nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 while ingesting, got %d", res.Code)
	}
}

func TestGetKnowledgeBaseWithoutDocuments(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	res := ts.do(t, http.MethodGet, "/v1/knowledge-base", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"knowledge_base":null`) || !strings.Contains(res.Body.String(), `"documents":[]`) {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})

	res := ts.do(t, http.MethodPost, "/v1/sessions", nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	var created sessionResponse
	_ = json.Unmarshal(res.Body.Bytes(), &created)

	res = ts.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/ask", askRequest{Question: "What do mitochondria do?"})
	if res.Code != http.StatusOK {
		t.Fatalf("ask expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var answer domain.Answer
	if err := json.Unmarshal(res.Body.Bytes(), &answer); err != nil || answer.Text != "Mitochondria make ATP." {
		t.Fatalf("unexpected answer %s", res.Body.String())
	}

	res = ts.do(t, http.MethodGet, "/v1/sessions/"+created.ID+"/messages", nil)
	var log struct {
		Messages []domain.Message `json:"messages"`
	}
	_ = json.Unmarshal(res.Body.Bytes(), &log)
	if len(log.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %s", res.Body.String())
	}

	if res = ts.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/reset", nil); res.Code != http.StatusNoContent {
		t.Fatalf("reset expected 204, got %d", res.Code)
	}
	if res = ts.do(t, http.MethodDelete, "/v1/sessions/"+created.ID, nil); res.Code != http.StatusNoContent {
		t.Fatalf("delete expected 204, got %d", res.Code)
	}
	if res = ts.do(t, http.MethodPost, "/v1/sessions/"+created.ID+"/ask", askRequest{Question: "q"}); res.Code != http.StatusNotFound {
		t.Fatalf("ask on deleted session expected 404, got %d", res.Code)
	}
}

func TestBusySessionIsRejectedImmediately(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	session := ts.sessions.Create()
	if err := session.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer session.Release()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- ts.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/reset", nil) }()
	select {
	case res := <-done:
		if res.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", res.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reset blocked on a busy session")
	}
}

func TestAskValidationError(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	session := ts.sessions.Create()
	ts.answers.err = domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is required"))

	res := ts.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/ask", askRequest{})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+session.ID+"/ask", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid json expected 400, got %d", rec.Code)
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events
}

func TestAskStreamEmitsDeltasThenDone(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	session := ts.sessions.Create()
	ts.answers.stream = &fragmentStream{
		fragments: []string{"Photo", "synthesis"},
		text:      "Photosynthesis",
		sources:   []domain.RetrievedChunk{{Text: "ctx", Source: domain.SourceMeta{Filename: "bio.pdf", Page: 2}}},
	}

	res := ts.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/ask", askRequest{Question: "q", Stream: true})
	if res.Code != http.StatusOK || res.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %q", res.Code, res.Header().Get("Content-Type"))
	}
	events := readEvents(t, res.Body)
	if len(events) != 3 || events[0].name != "delta" || events[2].name != "done" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].data != `{"delta":"Photo"}` {
		t.Fatalf("unexpected delta %s", events[0].data)
	}
	var done streamDone
	if err := json.Unmarshal([]byte(events[2].data), &done); err != nil || done.Text != "Photosynthesis" || len(done.Sources) != 1 {
		t.Fatalf("unexpected done payload %s", events[2].data)
	}
	if !ts.answers.stream.closed {
		t.Fatalf("stream must be closed after relay")
	}
}

func TestAskStreamFailureEmitsErrorEvent(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	session := ts.sessions.Create()
	ts.answers.stream = &fragmentStream{
		fragments: []string{"partial"},
		err:       errors.New("answer stream failed"),
		text:      "Error: connection reset",
	}

	res := ts.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/ask", askRequest{Question: "q", Stream: true})
	events := readEvents(t, res.Body)
	if len(events) != 2 || events[1].name != "error" || !strings.Contains(events[1].data, "connection reset") {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestChatEndpointAndModels(t *testing.T) {
	ts := newTestServer(config.Config{}, kbFake{})
	session := ts.sessions.Create()

	res := ts.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/chat", chatRequest{Message: "hi", Model: "deepseek-r1:latest"})
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "echo: hi") || ts.chat.model != "deepseek-r1:latest" {
		t.Fatalf("unexpected chat response %d %s", res.Code, res.Body.String())
	}

	res = ts.do(t, http.MethodPost, "/v1/sessions/"+session.ID+"/chat", chatRequest{Message: "hi", Stream: true})
	if events := readEvents(t, res.Body); len(events) != 3 {
		t.Fatalf("unexpected chat stream events %+v", events)
	}

	res = ts.do(t, http.MethodGet, "/v1/models", nil)
	if !strings.Contains(res.Body.String(), "deepseek-r1:1.5b") {
		t.Fatalf("unexpected models %s", res.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewHTTPServerMetrics("api")
	handler := NewRouter(config.Config{MetricsEnabled: true}, &ingestFake{}, kbFake{}, &answererFake{}, &chatFake{}, usecase.NewSessions(0), WithMetrics(m)).Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "scholarchat_http_requests_total") {
		t.Fatalf("unexpected metrics response %d", res.Code)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := map[error]int{
		domain.WrapError(domain.ErrSessionNotFound, "get", errors.New("x")): http.StatusNotFound,
		domain.WrapError(domain.ErrSessionBusy, "acquire", context.Canceled):  http.StatusConflict,
		context.DeadlineExceeded:                                              http.StatusGatewayTimeout,
		errors.New("boom"):                                                    http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := mapErrorToHTTPStatus(err); got != want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
