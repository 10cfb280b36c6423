package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of matched requests"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Submit-to-match latency seconds"})
	WorkersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "workers_online", Help: "Number of workers tracked by the registry"})
	CASConflicts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cas_conflicts_total", Help: "Offer attempts lost to a concurrent claim"})
	WaitQueueDepth   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "wait_queue_depth", Help: "Requests currently waiting for capacity"})
	ExpiredTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "expired_total", Help: "Requests expired out of the wait queue"})
	QuotesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "quotes_total", Help: "Price quotes issued"})
	DegradedQuotes   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "degraded_quotes_total", Help: "Quotes priced from the straight-line fallback"})
	DemandMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "demand_multiplier",
		Help:      "Demand multiplier applied to quotes",
		Buckets:   []float64{1, 1.25, 1.5, 2, 2.5, 3},
	})

	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Offer attempts by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
