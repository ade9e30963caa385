package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ka_stage_latency_ms",
		Help:    "Latency of query pipeline stages in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"stage"})

	stageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ka_stage_failures_total",
		Help: "Query pipeline stage failures",
	}, []string{"stage", "reason"})

	queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ka_queries_total",
		Help: "Completed queries by confidence and reason",
	}, []string{"confidence", "reason"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ka_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"scope"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ka_rejected_total",
		Help: "Requests rejected by input validation",
	}, []string{"reason"})

	memoryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ka_memory_failures_total",
		Help: "Session memory failures by operation",
	}, []string{"op"})

	auditRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ka_audit_records_total",
		Help: "Audit records by outcome (written/dropped/failed)",
	}, []string{"outcome"})
)

func ensureRegistered() {
	once.Do(func() {
		prometheus.MustRegister(stageLatency, stageFailures, queries, rateLimited, rejected, memoryFailures, auditRecords)
	})
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, start time.Time) {
	ensureRegistered()
	stageLatency.WithLabelValues(stage).Observe(float64(time.Since(start).Milliseconds()))
}

func IncStageFailure(stage, reason string) {
	ensureRegistered()
	stageFailures.WithLabelValues(stage, reason).Inc()
}

// IncQuery counts a finished query. reason is empty for answered queries.
func IncQuery(confidence, reason string) {
	ensureRegistered()
	if reason == "" {
		reason = "none"
	}
	queries.WithLabelValues(confidence, reason).Inc()
}

func IncRateLimited(scope string) {
	ensureRegistered()
	rateLimited.WithLabelValues(scope).Inc()
}

func IncRejected(reason string) {
	ensureRegistered()
	rejected.WithLabelValues(reason).Inc()
}

func IncMemoryFailure(op string) {
	ensureRegistered()
	memoryFailures.WithLabelValues(op).Inc()
}

func IncAudit(outcome string) {
	ensureRegistered()
	auditRecords.WithLabelValues(outcome).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	ensureRegistered()
	return promhttp.Handler()
}
