package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sessions_started_total",
			Help: "Total number of research sessions started",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sessions_finished_total",
			Help: "Total number of research sessions reaching a terminal status",
		},
		[]string{"status"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_sessions_active",
			Help: "Number of sessions currently running",
		},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_session_duration_seconds",
			Help:    "Wall time from session start to terminal status",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_sessions_expired_total",
			Help: "Total number of sessions removed by the expiry sweep",
		},
	)

	// Pipeline metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_stage_duration_seconds",
			Help:    "Stage execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "result"},
	)

	CriticPasses = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_critic_passes",
			Help:    "Critic evaluations per completed session",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_quality_score",
			Help:    "Final quality score per completed session",
			Buckets: []float64{0.3, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1},
		},
	)

	DegradedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_degraded_responses_total",
			Help: "Sessions that proceeded below the quality threshold at the iteration bound",
		},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_provider_calls_total",
			Help: "Model calls by provider and outcome",
		},
		[]string{"provider", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_provider_latency_seconds",
			Help:    "Model call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ProviderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_provider_fallbacks_total",
			Help: "Calls switched from the primary to the fallback provider",
		},
		[]string{"from", "to", "reason"},
	)

	// Retrieval metrics
	RetrievalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_retrieval_calls_total",
			Help: "Source calls by source and outcome",
		},
		[]string{"source", "result"},
	)

	RetrievalRecords = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_retrieval_records",
			Help:    "Records returned per source call",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 30},
		},
		[]string{"source"},
	)

	RetrievalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_retrieval_latency_seconds",
			Help:    "Source call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_events_published_total",
			Help: "Events appended to session logs",
		},
		[]string{"type"},
	)

	PublishBlocked = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_event_publish_block_seconds",
			Help:    "Time a publisher waited on slow subscribers",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)

	SubscribersDetached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_event_subscribers_detached_total",
			Help: "Subscribers dropped after exceeding the publish timeout",
		},
	)

	// Artifact metrics
	ArtifactsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_artifacts_stored_total",
			Help: "Generated artifacts by format",
		},
		[]string{"format"},
	)

	ArtifactFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_artifact_fetches_total",
			Help: "Artifact downloads by outcome",
		},
		[]string{"result"},
	)

	// Admission metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_decisions_total",
			Help: "Admission policy decisions",
		},
		[]string{"decision"},
	)
)

// RecordSessionStarted counts a session entering RUNNING.
func RecordSessionStarted() {
	SessionsStarted.Inc()
	SessionsActive.Inc()
}

// RecordSessionFinished records a terminal status. Cancelled sessions carry
// their own status label so they do not count as failures.
func RecordSessionFinished(status string, d time.Duration) {
	SessionsFinished.WithLabelValues(status).Inc()
	SessionsActive.Dec()
	SessionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordStage records one stage execution
func RecordStage(stage, result string, d time.Duration) {
	StageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// RecordOutcome records the quality figures of a completed session
func RecordOutcome(score float64, passes int, degraded bool) {
	QualityScore.Observe(score)
	CriticPasses.Observe(float64(passes))
	if degraded {
		DegradedResponses.Inc()
	}
}

// RecordProviderCall records one model call against a single provider
func RecordProviderCall(provider, result string, d time.Duration) {
	ProviderCalls.WithLabelValues(provider, result).Inc()
	if d > 0 {
		ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// RecordFallback counts a switch to the fallback provider
func RecordFallback(from, to, reason string) {
	ProviderFallbacks.WithLabelValues(from, to, reason).Inc()
}

// RecordRetrieval records one source call. Zero durations (cache hits,
// unconfigured sources) skip the latency histogram.
func RecordRetrieval(source, result string, count int, d time.Duration) {
	RetrievalCalls.WithLabelValues(source, result).Inc()
	if result == "success" || result == "cache_hit" {
		RetrievalRecords.WithLabelValues(source).Observe(float64(count))
	}
	if d > 0 {
		RetrievalLatency.WithLabelValues(source).Observe(d.Seconds())
	}
}

// RecordEmbedding records embedding metrics
func RecordEmbedding(model, status string, d time.Duration) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if d > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(d.Seconds())
	}
}

// RecordEvent counts one published event
func RecordEvent(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordPublishBlock records how long a publish waited on subscribers
func RecordPublishBlock(d time.Duration) {
	if d > 0 {
		PublishBlocked.Observe(d.Seconds())
	}
}
