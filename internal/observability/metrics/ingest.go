package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers ingestion runs and the resilience executor. It
// registers into a shared registry so that the API serves a single /metrics.
type PipelineMetrics struct {
	service string

	ingestTotal     *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	ingestDocuments *prometheus.CounterVec
	ingestChunks    prometheus.Counter
	retriesTotal    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func NewPipelineMetrics(service string, registerer prometheus.Registerer) *PipelineMetrics {
	ingestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scholarchat",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total ingestion runs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	ingestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scholarchat",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Ingestion run duration in seconds by outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "outcome"},
	)
	ingestDocuments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scholarchat",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total uploaded documents by outcome.",
		},
		[]string{"service", "outcome"},
	)
	ingestChunks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scholarchat",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Total chunks written to the vector index.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scholarchat",
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Total retried dependency calls by operation.",
		},
		[]string{"service", "operation"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "scholarchat",
			Subsystem: "resilience",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by operation: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"service", "operation"},
	)

	registerer.MustRegister(ingestTotal, ingestDuration, ingestDocuments, ingestChunks, retriesTotal, breakerState)

	return &PipelineMetrics{
		service:         service,
		ingestTotal:     ingestTotal,
		ingestDuration:  ingestDuration,
		ingestDocuments: ingestDocuments,
		ingestChunks:    ingestChunks,
		retriesTotal:    retriesTotal,
		breakerState:    breakerState,
	}
}

func (m *PipelineMetrics) ObserveIngestion(outcome string, documents, chunks int, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.ingestTotal.WithLabelValues(m.service, outcome).Inc()
	m.ingestDuration.WithLabelValues(m.service, outcome).Observe(duration.Seconds())
	m.ingestDocuments.WithLabelValues(m.service, outcome).Add(float64(documents))
	if outcome == "success" && chunks > 0 {
		m.ingestChunks.Add(float64(chunks))
	}
}

func (m *PipelineMetrics) ObserveRetry(operation string) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *PipelineMetrics) ObserveBreakerState(operation string, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
