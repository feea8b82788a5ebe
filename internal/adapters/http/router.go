package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/scholarchat/internal/config"
	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
	"github.com/kirillkom/scholarchat/internal/observability/metrics"
)

const multipartMemory = 32 << 20

type Router struct {
	cfg      config.Config
	ingest   ports.KnowledgeBaseIngestor
	kb       ports.KnowledgeBaseReader
	answers  ports.QuestionAnswerer
	chat     ports.ChatService
	sessions ports.SessionStore
	metrics  *metrics.HTTPServerMetrics
}

type RouterOption func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) RouterOption {
	return func(rt *Router) {
		rt.metrics = m
	}
}

func NewRouter(
	cfg config.Config,
	ingest ports.KnowledgeBaseIngestor,
	kb ports.KnowledgeBaseReader,
	answers ports.QuestionAnswerer,
	chat ports.ChatService,
	sessions ports.SessionStore,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:      cfg,
		ingest:   ingest,
		kb:       kb,
		answers:  answers,
		chat:     chat,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil && rt.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/knowledge-base", rt.uploadDocuments)
	mux.HandleFunc("GET /v1/knowledge-base", rt.getKnowledgeBase)
	mux.HandleFunc("DELETE /v1/knowledge-base", rt.clearKnowledgeBase)
	mux.HandleFunc("GET /v1/models", rt.listModels)

	mux.HandleFunc("POST /v1/sessions", rt.createSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", rt.deleteSession)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", rt.listMessages)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", rt.resetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/ask", rt.ask)
	mux.HandleFunc("POST /v1/sessions/{id}/chat", rt.sendChat)

	var instrument middleware
	if rt.metrics != nil {
		instrument = rt.metrics.Middleware
	}
	return chain(mux,
		withRequestID,
		withAccessLog,
		instrument,
		withRateLimit(rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst),
		withBackpressure(rt.cfg.APIMaxInFlight, time.Duration(rt.cfg.APIQueueWaitMS)*time.Millisecond),
	)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(rt.cfg.MaxUploadMB)<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "multipart form with field 'files' is required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}

	replace := false
	if v := r.FormValue("replace"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "replace must be a boolean")
			return
		}
		replace = parsed
	}

	uploads, closeAll, err := openUploads(headers)
	defer closeAll()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "cannot read uploaded file: "+err.Error())
		return
	}

	kb, err := rt.ingest.Ingest(r.Context(), uploads, domain.IngestOptions{Replace: replace})
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

func openUploads(headers []*multipart.FileHeader) ([]domain.Upload, func(), error) {
	files := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	uploads := make([]domain.Upload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, closeAll, err
		}
		files = append(files, f)
		uploads = append(uploads, domain.Upload{
			Filename: h.Filename,
			MimeType: h.Header.Get("Content-Type"),
			Body:     f,
		})
	}
	return uploads, closeAll, nil
}

type knowledgeBaseResponse struct {
	KnowledgeBase *domain.KnowledgeBase `json:"knowledge_base"`
	Documents     []domain.CatalogEntry `json:"documents"`
}

func (rt *Router) getKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	docs, err := rt.kb.Documents(r.Context())
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, knowledgeBaseResponse{
		KnowledgeBase: rt.kb.Current(),
		Documents:     docs,
	})
}

func (rt *Router) clearKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	if err := rt.ingest.Clear(r.Context()); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": rt.chat.Models()})
}

type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (rt *Router) createSession(w http.ResponseWriter, _ *http.Request) {
	session := rt.sessions.Create()
	writeJSON(w, http.StatusCreated, sessionResponse{ID: session.ID, CreatedAt: session.CreatedAt})
}

func (rt *Router) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := rt.sessions.Get(id); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.sessions.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listMessages(w http.ResponseWriter, r *http.Request) {
	session, err := rt.sessions.Get(r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       session.ID,
		"messages": session.Messages(),
	})
}

func (rt *Router) resetSession(w http.ResponseWriter, r *http.Request) {
	session, err := rt.sessions.Get(r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if err := session.Acquire(r.Context()); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	session.Reset()
	session.Release()
	w.WriteHeader(http.StatusNoContent)
}

type askRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	session, err := rt.sessions.Get(r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	var req askRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}

	if req.Stream {
		stream, err := rt.answers.AskStream(r.Context(), session, req.Question)
		if err != nil {
			rt.writeDomainError(w, r, err)
			return
		}
		rt.writeStream(w, r, stream)
		return
	}

	answer, err := rt.answers.Ask(r.Context(), session, req.Question)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
	Stream  bool   `json:"stream"`
}

func (rt *Router) sendChat(w http.ResponseWriter, r *http.Request) {
	session, err := rt.sessions.Get(r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	var req chatRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}

	if req.Stream {
		stream, err := rt.chat.SendStream(r.Context(), session, req.Model, req.Message)
		if err != nil {
			rt.writeDomainError(w, r, err)
			return
		}
		rt.writeStream(w, r, stream)
		return
	}

	answer, err := rt.chat.Send(r.Context(), session, req.Model, req.Message)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, r, status, domain.UserMessage(err))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: strings.TrimSpace(msg), RequestID: requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
