package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_embedding_requests_total",
			Help: "Total embedding requests by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemo_embedding_duration_seconds",
			Help:    "Embedding request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_embedding_provider_reloads_total",
			Help: "Embedding provider reloads by outcome (swapped|noop|error)",
		},
		[]string{"outcome"},
	)

	// Retrieval metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_vector_searches_total",
			Help: "Vector store searches by outcome",
		},
		[]string{"status"},
	)

	VectorSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mnemo_vector_search_duration_seconds",
			Help:    "Vector search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LexicalSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_lexical_searches_total",
			Help: "Lexical index searches by outcome",
		},
		[]string{"status"},
	)

	RetrievalDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_retrieval_degraded_total",
			Help: "Retrievals that lost a channel (dense|lexical)",
		},
		[]string{"channel"},
	)

	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_rerank_requests_total",
			Help: "Reranker invocations by outcome",
		},
		[]string{"status"},
	)

	QueryRewrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_query_rewrites_total",
			Help: "Query rewrite calls by outcome",
		},
		[]string{"status"},
	)

	// Semantic answer cache metrics
	AnswerCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemo_answer_cache_hits_total",
			Help: "Semantic answer cache hits",
		},
	)

	AnswerCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemo_answer_cache_misses_total",
			Help: "Semantic answer cache misses",
		},
	)

	AnswerCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemo_answer_cache_evictions_total",
			Help: "Semantic answer cache evictions (LRU, TTL, dimension)",
		},
	)

	AnswerCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mnemo_answer_cache_size",
			Help: "Current semantic answer cache entry count",
		},
	)

	// Ingestion metrics
	IngestionSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemo_ingestion_tasks_submitted_total",
			Help: "Ingestion tasks accepted into the queue",
		},
	)

	IngestionRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemo_ingestion_tasks_rejected_total",
			Help: "Ingestion submissions rejected with queue full",
		},
	)

	IngestionCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_ingestion_tasks_completed_total",
			Help: "Ingestion tasks finished by terminal status",
		},
		[]string{"status"},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mnemo_ingestion_task_duration_seconds",
			Help:    "Ingestion task duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mnemo_ingestion_queue_depth",
			Help: "Current ingestion queue depth",
		},
	)

	// QA chain metrics
	AnswersGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_answers_total",
			Help: "Answers produced by source (generated|cache) and outcome",
		},
		[]string{"source", "status"},
	)

	AnswerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mnemo_answer_duration_seconds",
			Help:    "End-to-end answer latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	HistoryCompressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_history_compressions_total",
			Help: "Conversation history compressions by outcome (summarized|truncated)",
		},
		[]string{"outcome"},
	)

	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemo_llm_requests_total",
			Help: "LLM endpoint calls by purpose and outcome",
		},
		[]string{"purpose", "status"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mnemo_sessions_active",
			Help: "Conversation sessions currently held in memory",
		},
	)
)
