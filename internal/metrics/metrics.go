package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Research job metrics
	JobsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_jobs_started_total",
			Help: "Total number of research jobs started",
		},
		[]string{"mode", "resumed"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_jobs_completed_total",
			Help: "Total number of research jobs that reached a terminal state",
		},
		[]string{"mode", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepdive_job_duration_seconds",
			Help:    "Research job wall-clock duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"mode"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepdive_jobs_running",
			Help: "Number of research jobs currently executing in this process",
		},
	)

	// Phase metrics
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepdive_phase_duration_seconds",
			Help:    "Phase execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase", "status"},
	)

	PhasesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_phases_skipped_total",
			Help: "Phases skipped because a cached result existed on the session",
		},
		[]string{"phase"},
	)

	// Completion gateway metrics
	CompletionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_completion_requests_total",
			Help: "Completion requests by model and outcome class",
		},
		[]string{"provider", "model", "result"},
	)

	CompletionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepdive_completion_latency_seconds",
			Help:    "Completion request latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_model_fallbacks_total",
			Help: "Times a request moved to the next model in the fallback list",
		},
		[]string{"from", "to"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_tokens_total",
			Help: "Tokens consumed by model and direction",
		},
		[]string{"model", "direction"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_search_requests_total",
			Help: "Search backend calls by outcome (ok, empty, error, skipped)",
		},
		[]string{"backend", "result"},
	)

	ContentFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_content_fetches_total",
			Help: "Page content fetches by outcome (ok, cached, fallback)",
		},
		[]string{"result"},
	)

	// Evaluation degradation metrics
	EvaluationTier = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_evaluation_sources_total",
			Help: "Sources scored, by the evaluation tier that produced the score",
		},
		[]string{"tier"},
	)

	SynthesisFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepdive_synthesis_fallbacks_total",
			Help: "Reports assembled from the template because the completion call failed",
		},
	)

	// Session store metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepdive_sessions_created_total",
			Help: "Total number of research sessions created",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepdive_session_cache_size",
			Help: "Current number of sessions held in the local cache",
		},
	)

	SessionFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_session_flushes_total",
			Help: "Session writes to the durable backend by trigger and outcome",
		},
		[]string{"trigger", "result"},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepdive_sessions_swept_total",
			Help: "Terminal sessions removed by the retention sweep",
		},
	)

	ProgressPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepdive_progress_persist_failures_total",
			Help: "Progress ticks that could not be written to the session store",
		},
	)

	// Report store metrics
	ReportSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepdive_report_saves_total",
			Help: "Report persistence attempts by store and outcome",
		},
		[]string{"store", "result"},
	)
)

// RecordJobMetrics records metrics for a research job that reached a terminal state
func RecordJobMetrics(mode, status string, durationSeconds float64) {
	JobsCompleted.WithLabelValues(mode, status).Inc()
	JobDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordCompletionMetrics records a single completion attempt
func RecordCompletionMetrics(provider, model, result string, durationSeconds float64) {
	CompletionRequests.WithLabelValues(provider, model, result).Inc()
	if durationSeconds > 0 {
		CompletionLatency.WithLabelValues(provider, model).Observe(durationSeconds)
	}
}

// RecordTokens adds prompt/completion token counts for a model
func RecordTokens(model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		TokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		TokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}
