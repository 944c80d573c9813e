package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "events_consumed_total", Help: "Inbound relay events handled"})
	EventsForeign    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "events_foreign_total", Help: "Events dropped for a non-active ride"})
	EventsDuplicate  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "events_duplicate_total", Help: "Events dropped by dedup or cursor"})
	EntriesMalformed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "entries_malformed_total", Help: "History entries skipped as unparseable"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_escrow", Name: "transitions_total", Help: "State machine applications by event and outcome"},
		[]string{"event", "outcome"},
	)

	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "settlements_total", Help: "Escrow claims completed"})
	RefundsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_escrow", Name: "refunds_total", Help: "Escrow refunds completed"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_escrow", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_escrow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
