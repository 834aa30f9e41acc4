package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_requests_total",
			Help: "Total number of pipeline requests",
		},
		[]string{"operation", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	FixtureHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_fixture_hits_total",
			Help: "Demo fixture short-circuits by operation",
		},
		[]string{"operation"},
	)

	// Pipeline stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot_stage_duration_ms",
			Help:    "Pipeline stage duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_stage_failures_total",
			Help: "Pipeline stage failures by agent and error kind",
		},
		[]string{"agent", "kind"},
	)

	// Token metrics
	TokensConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_tokens_total",
			Help: "LLM tokens consumed by direction (input or output)",
		},
		[]string{"direction"},
	)

	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilot_budget_rejections_total",
			Help: "Operations refused because the per-request token budget was exhausted",
		},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_vector_search_total",
			Help: "Vector similarity searches by backend and status",
		},
		[]string{"backend", "status"},
	)

	VectorSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot_vector_search_duration_seconds",
			Help:    "Vector search duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend"},
	)

	VectorStoreItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copilot_vector_store_items",
			Help: "Chunks currently indexed in the vector store",
		},
		[]string{"backend"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_embedding_requests_total",
			Help: "Embedding lookups by outcome (lru_hit, cache_hit, ok, error)",
		},
		[]string{"model", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilot_embedding_duration_seconds",
			Help:    "Embedding provider call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"model"},
	)

	// Moderation metrics
	ModerationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_moderation_total",
			Help: "Moderation decisions by stage and action",
		},
		[]string{"stage", "action"},
	)

	// Redaction metrics
	Redactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_redactions_total",
			Help: "PII values redacted from responses by rule type",
		},
		[]string{"type"},
	)

	// Memory metrics
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilot_conversations_active",
			Help: "Conversations currently retained in memory",
		},
	)

	ConversationTurns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copilot_conversation_turns_total",
			Help: "Turns appended to conversation memory",
		},
	)

	// Audit metrics
	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_audit_writes_total",
			Help: "Audit log writes by status",
		},
		[]string{"status"},
	)

	// HTTP metrics
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilot_http_inflight_requests",
			Help: "HTTP requests currently being served",
		},
	)

	HTTPRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilot_http_rejected_total",
			Help: "HTTP requests rejected before the pipeline ran",
		},
		[]string{"reason"},
	)
)

// RecordRequest tracks one finished pipeline request.
func RecordRequest(operation, status string, durationSeconds float64) {
	RequestsTotal.WithLabelValues(operation, status).Inc()
	RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordStage tracks one pipeline stage execution.
func RecordStage(agent string, durationMs float64) {
	StageDuration.WithLabelValues(agent).Observe(durationMs)
}

// RecordStageFailure tracks one failed stage.
func RecordStageFailure(agent, kind string) {
	StageFailures.WithLabelValues(agent, kind).Inc()
}

// RecordVectorSearch tracks one similarity search.
func RecordVectorSearch(backend, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(backend, status).Inc()
	VectorSearchDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordEmbedding tracks an embedding lookup outcome.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if status == "ok" || status == "error" {
		EmbeddingDuration.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordTokens tracks LLM token consumption for one completion.
func RecordTokens(input, output int) {
	TokensConsumed.WithLabelValues("input").Add(float64(input))
	TokensConsumed.WithLabelValues("output").Add(float64(output))
}
