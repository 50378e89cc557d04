package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservationOutcomes counts per-product reserve results by outcome.
	ReservationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardmint_reservation_outcomes_total",
		Help: "Per-product reservation outcomes by result.",
	}, []string{"outcome"})

	// RateLimitedRequests counts reserve calls rejected at the limiter gate.
	RateLimitedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardmint_rate_limited_requests_total",
		Help: "Reserve calls rejected by the rate limiter.",
	})

	// ExpiredReclaimed counts holds reset by the expiry sweep.
	ExpiredReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardmint_expired_holds_reclaimed_total",
		Help: "Lapsed holds reclaimed by the reconciler sweep.",
	})

	// RequestDuration tracks HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardmint_http_request_duration_seconds",
		Help:    "Duration of HTTP requests by handler.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)
