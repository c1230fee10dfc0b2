package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueJobsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Dispatch job transitions by event.",
		},
		[]string{"event"}, // "enqueued", "completed", "failed", "retried", "rate_limited", "removed"
	)

	sendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Provider send latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	admissionDelayHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "dispatch",
			Name:      "admission_delay_seconds",
			Help:      "Delay assigned to jobs at enqueue time.",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)
)
