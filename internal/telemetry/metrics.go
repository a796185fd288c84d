package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_enqueued_total", Help: "Jobs accepted for dispatch"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_claimed_total", Help: "Successful job claims"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_retried_total", Help: "Jobs requeued after failure"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_jobs_failed_total", Help: "Jobs terminally failed"})
	OwnershipLost      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_ownership_lost_total", Help: "Complete/fail calls rejected for a stale lease"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	EventsEmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_events_emitted_total", Help: "Events emitted across all sessions"})
	SubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_subscribers_dropped_total", Help: "Subscribers disconnected for slow consumption"})
	SubscribersActive  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_subscribers_active", Help: "Live event stream subscribers"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_queue_depth", Help: "Jobs currently claimable"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			OwnershipLost,
			RateLimitRejects,
			EventsEmitted,
			SubscribersDropped,
			SubscribersActive,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
