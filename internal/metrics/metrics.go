package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrackedVisits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_track_requests_total",
		Help: "Total visits recorded.",
	})
	NewVisitors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_new_visitors_total",
		Help: "Visits that promoted a fingerprint to unique visitor.",
	})
	SnapshotReads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_snapshot_requests_total",
		Help: "Total read-only stats requests.",
	})
	PageViewsByPage = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitor_page_views_by_page_total",
		Help: "Recorded visits by page.",
	}, []string{"page"})
	PageUniqueEstimate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visitor_page_unique_visitors_estimate",
		Help: "Approximate unique fingerprints per page seen by this instance.",
	}, []string{"page"})
	Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitor_failures_total",
		Help: "Failed requests by kind.",
	}, []string{"kind"})
	VisitLogDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitor_visit_log_dropped_total",
		Help: "Visit log events dropped due to full buffer.",
	})
	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visitor_store_op_duration_seconds",
		Help:    "Duration of store operations in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation", "status"})
)

// Failure kinds.
const (
	FailureStore       = "store"
	FailureInvariant   = "invariant"
	FailureRateLimited = "rate_limited"
	FailureVisitLog    = "visit_log"
)

func init() {
	prometheus.MustRegister(
		TrackedVisits,
		NewVisitors,
		SnapshotReads,
		PageViewsByPage,
		PageUniqueEstimate,
		Failures,
		VisitLogDropped,
		StoreOpDuration,
	)
}

// ObserveStoreOp records the duration of a store operation started at start.
func ObserveStoreOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOpDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func Handler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
