package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scholarchat"

// Answer outcomes.
const (
	outcomeHit       = "hit"
	outcomeNoContext = "no_context"
	outcomeFailed    = "failed"
)

// HTTPServerMetrics owns the process registry. It instruments the API
// handler chain and the question-answering pipeline.
type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inFlight  prometheus.Gauge
	answers   *prometheus.CounterVec
	chunks    *prometheus.HistogramVec
	answerDur *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"service": service}

	return &HTTPServerMetrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "HTTP requests by method, route and status.",
			ConstLabels: constLabels,
		}, []string{"method", "path", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request latency. Streams are measured until the last event.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Requests currently being served.",
			ConstLabels: constLabels,
		}),
		answers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "answers_total",
			Help:        "Answered questions by mode and outcome (hit, no_context, failed).",
			ConstLabels: constLabels,
		}, []string{"mode", "outcome"}),
		chunks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "retrieved_chunks",
			Help:        "Chunks placed in the prompt per question.",
			ConstLabels: constLabels,
			Buckets:     []float64{0, 1, 2, 3, 5, 8},
		}, []string{"mode"}),
		answerDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rag",
			Name:        "duration_seconds",
			Help:        "Time to a complete answer.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"mode"}),
	}
}

// Registry lets other collectors share the /metrics endpoint.
func (m *HTTPServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := normalizePath(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps session IDs out of label values.
func normalizePath(path string) string {
	const prefix = "/v1/sessions/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{id}/" + action
	}
	return prefix + "{id}"
}

// ObserveAnswer records one finished turn.
func (m *HTTPServerMetrics) ObserveAnswer(mode string, retrieved int, noContext bool, failed bool, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	m.answerDur.WithLabelValues(mode).Observe(duration.Seconds())

	outcome := outcomeHit
	switch {
	case failed:
		outcome = outcomeFailed
	case noContext:
		outcome = outcomeNoContext
	}
	m.answers.WithLabelValues(mode, outcome).Inc()
	if !failed {
		m.chunks.WithLabelValues(mode).Observe(float64(retrieved))
	}
}

// codeRecorder remembers the status code. Unwrap lets
// http.ResponseController reach the underlying writer for Flush.
type codeRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *codeRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *codeRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *codeRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
