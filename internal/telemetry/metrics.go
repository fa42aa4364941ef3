package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BidsCommitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_bids_committed_total", Help: "Bids accepted and durably committed"})
	BidsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "auction_bids_rejected_total", Help: "Bids rejected, by reason kind"}, []string{"reason"})
	LockTimeouts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_lock_timeouts_total", Help: "Per-auction lock acquisitions that timed out"})

	FanoutBatches    = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_fanout_batches_total", Help: "Batch frames flushed to subscribers"})
	FanoutEvents     = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_fanout_events_total", Help: "Update events delivered in batches"})
	SubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_fanout_subscribers", Help: "Currently subscribed realtime connections"})

	SweepTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "auction_lifecycle_transitions_total", Help: "Auctions transitioned by lifecycle sweeps"}, []string{"to"})

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_rate_limit_rejects_total", Help: "Bid submissions rejected by the rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "auction_jobs_dead_letter_total", Help: "Jobs moved to the dead-letter queue"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_queue_depth", Help: "Ready queue depth across lanes"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BidsCommitted,
			BidsRejected,
			LockTimeouts,
			FanoutBatches,
			FanoutEvents,
			SubscribersGauge,
			SweepTransitions,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
