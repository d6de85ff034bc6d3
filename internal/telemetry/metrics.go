package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdded        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_added_total", Help: "Jobs accepted by the processor"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs that finished successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts that will be retried"})
	JobsCanceled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_canceled_total", Help: "Jobs that reached the cancel path"})
	JobsGated        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_gated_total", Help: "Times a job was parked on unmet requirements"})
	SchedulerErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_errors_total", Help: "Trigger source registrations that failed"})
	PartsDownloaded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "attachment_parts_downloaded_total", Help: "Attachment parts committed"})
	PartsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "attachment_parts_failed_total", Help: "Attachment parts marked failed"})
	PartsPending     = prometheus.NewCounter(prometheus.CounterOpts{Name: "attachment_parts_pending_approval_total", Help: "Attachment parts left for manual approval"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "download_rate_limit_rejects_total", Help: "Manual download requests rejected by rate limiter"})
	GatedGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_gated", Help: "Jobs currently waiting on requirements or backoff"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_running", Help: "Jobs currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdded,
			JobsSucceeded,
			JobsRetried,
			JobsCanceled,
			JobsGated,
			SchedulerErrors,
			PartsDownloaded,
			PartsFailed,
			PartsPending,
			RateLimitRejects,
			GatedGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
