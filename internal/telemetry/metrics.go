package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs created, by type"}, []string{"job_type"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully, by type"}, []string{"job_type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failures re-queued for retry, by type"}, []string{"job_type"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs that exhausted their attempts, by type"}, []string{"job_type"})
	JobsResurrected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_resurrected_total", Help: "Dead-lettered jobs sent back to the queue by an operator"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Processing jobs returned to the queue after their lease expired"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Job creations rejected by the per-creator rate limiter"})
	HeartbeatErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_heartbeat_errors_total", Help: "Heartbeat publishes that failed"})
	ReadyDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_ready_depth", Help: "Jobs eligible to run right now"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	BrokerOnline     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_broker_online", Help: "1 when the ready-signal broker is reachable"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_handler_duration_seconds",
		Help:    "Handler execution time, by type and outcome",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job_type", "outcome"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			JobsResurrected,
			JobsReclaimed,
			RateLimitRejects,
			HeartbeatErrors,
			ReadyDepthGauge,
			InFlightGauge,
			BrokerOnline,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
