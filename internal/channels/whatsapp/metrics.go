package whatsapp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	graphRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "whatsapp",
			Name:      "requests_total",
			Help:      "Graph API requests by operation and outcome.",
		},
		[]string{"operation", "outcome"}, // outcome: "ok" or a failure kind
	)

	graphRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "whatsapp",
			Name:      "request_duration_seconds",
			Help:      "Duration of Graph API requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
