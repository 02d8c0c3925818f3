package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decisionflow_sessions_started_total",
			Help: "Total number of decision sessions started",
		},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_sessions_completed_total",
			Help: "Total number of decision sessions completed",
		},
		[]string{"status"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decisionflow_session_duration_seconds",
			Help:    "End-to-end session duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	SessionAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decisionflow_session_attempts",
			Help:    "Number of router passes per finalized session",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	FinalConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decisionflow_final_confidence",
			Help:    "Confidence of finalized decisions",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decisionflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_stage_errors_total",
			Help: "Stage errors by stage and whether they were fatal",
		},
		[]string{"stage", "fatal"},
	)

	RouterOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_router_outcomes_total",
			Help: "Confidence router outcomes",
		},
		[]string{"outcome", "reason"},
	)

	ParseFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_decision_parse_fallbacks_total",
			Help: "Decision replies missing a field that was defaulted",
		},
		[]string{"field"},
	)

	// Streaming metrics
	SnapshotsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_snapshots_emitted_total",
			Help: "Progress snapshots emitted by the coordinator and driver",
		},
		[]string{"source"},
	)

	SnapshotsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "decisionflow_snapshots_dropped_total",
			Help: "Progress events dropped for slow subscribers",
		},
	)

	// Completion service metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_llm_requests_total",
			Help: "Completion service requests",
		},
		[]string{"provider", "op", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decisionflow_llm_request_duration_seconds",
			Help:    "Completion service request latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider", "op"},
	)

	// Vector search metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decisionflow_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_embedding_requests_total",
			Help: "Total embedding requests by outcome",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decisionflow_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Memory metrics
	MemoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_memory_operations_total",
			Help: "Long-term memory operations",
		},
		[]string{"backend", "op", "status"},
	)

	// Event publishing
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_events_published_total",
			Help: "Decision events published to the bus",
		},
		[]string{"subject", "status"},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
		[]string{"route"},
	)

	StreamClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decisionflow_stream_clients",
			Help: "Connected progress stream clients",
		},
		[]string{"transport"},
	)
)

// RecordSessionMetrics records metrics for a session that reached a terminal state
func RecordSessionMetrics(status string, durationSeconds float64, attempts int, confidence float64) {
	SessionsCompleted.WithLabelValues(status).Inc()
	SessionDuration.Observe(durationSeconds)
	if status == "finalized" {
		SessionAttempts.Observe(float64(attempts))
		FinalConfidence.Observe(confidence)
	}
}

// RecordStage records the duration of one stage
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageError counts a stage error
func RecordStageError(stage string, fatal bool) {
	f := "false"
	if fatal {
		f = "true"
	}
	StageErrors.WithLabelValues(stage, f).Inc()
}

// RecordLLMMetrics records one completion call
func RecordLLMMetrics(provider, op, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(provider, op, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(provider, op).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordMemoryOperation records one long-term memory call
func RecordMemoryOperation(backend, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	MemoryOperations.WithLabelValues(backend, op, status).Inc()
}
