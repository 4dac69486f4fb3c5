package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindsql_pipeline_requests_total",
			Help: "Total number of pipeline runs by generation mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	generationAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindsql_generation_attempts_total",
			Help: "Total number of model generation attempts, including retries.",
		},
	)

	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mindsql_validation_rejections_total",
			Help: "Total number of statements rejected by the validator, by reason.",
		},
		[]string{"reason"},
	)

	modelLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mindsql_model_latency_seconds",
			Help:    "Latency of model completions.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mindsql_query_duration_seconds",
			Help:    "Latency of statement execution by dialect.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect"},
	)

	schemaRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mindsql_schema_refreshes_total",
			Help: "Total number of schema snapshot refreshes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRequestsTotal,
		generationAttemptsTotal,
		validationRejectionsTotal,
		modelLatencySeconds,
		queryDurationSeconds,
		schemaRefreshesTotal,
	)
}

func ObservePipelineRequest(mode, outcome string) {
	pipelineRequestsTotal.WithLabelValues(mode, outcome).Inc()
}

func IncrementGenerationAttempt() {
	generationAttemptsTotal.Inc()
}

func IncrementValidationRejection(reason string) {
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveModelLatency(elapsed time.Duration) {
	modelLatencySeconds.Observe(elapsed.Seconds())
}

func ObserveQueryDuration(dialect string, elapsed time.Duration) {
	queryDurationSeconds.WithLabelValues(dialect).Observe(elapsed.Seconds())
}

func IncrementSchemaRefresh() {
	schemaRefreshesTotal.Inc()
}

// ServeMetrics exposes the prometheus registry on addr. It blocks, so callers
// run it on its own goroutine; an empty addr disables the listener.
func ServeMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
