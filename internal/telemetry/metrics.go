package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_submitted_total", Help: "Jobs admitted at intake"})
	JobsDuplicate    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_jobs_duplicate_total", Help: "Submissions answered from the idempotency guard"})
	JobsRejected     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_rejected_total", Help: "Submissions rejected at intake"}, []string{"reason"})
	JobsTerminal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_jobs_terminal_total", Help: "Jobs reaching a terminal state"}, []string{"status", "reason"})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_retries_scheduled_total", Help: "Attempts rescheduled after a transient failure"})
	DeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_dead_letter_total", Help: "Failed jobs pushed to the DLQ"})
	LedgerOps        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_ledger_ops_total", Help: "Ledger operations by kind and outcome"}, []string{"kind", "outcome"})
	CommitFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_commit_failures_total", Help: "Commits that exhausted local retries after a delivered result"})
	OverrunShortfall = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_overrun_shortfall_hundredths_total", Help: "Uncharged overrun, in hundredths of a credit"})
	NotifyPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_notifications_published_total", Help: "Events accepted by the notifier"})
	NotifyDropped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_notifications_dropped_total", Help: "Events dropped under backpressure"}, []string{"stage"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_inflight_attempts", Help: "Provider attempts currently executing"})
	AttemptDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_attempt_duration_seconds",
		Help:    "Provider attempt duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"capability", "provider", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsDuplicate,
			JobsRejected,
			JobsTerminal,
			RetriesScheduled,
			DeadLetter,
			LedgerOps,
			CommitFailures,
			OverrunShortfall,
			NotifyPublished,
			NotifyDropped,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			AttemptDuration,
		)
	})
	return promhttp.Handler()
}
