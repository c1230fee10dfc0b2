package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookDeliveriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by outcome.",
		},
		[]string{"outcome"}, // "processed", "rejected", "failed", "overflow"
	)

	webhookChangesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "webhook",
			Name:      "changes_total",
			Help:      "Webhook changes by field and outcome.",
		},
		[]string{"field", "outcome"},
	)

	webhookItemFailuresCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "webhook",
			Name:      "item_failures_total",
			Help:      "Contacts, messages and statuses that could not be routed.",
		},
		[]string{"item"},
	)

	webhookEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Normalized events produced from webhooks.",
		},
		[]string{"kind"},
	)

	webhookProcessingDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Time from dequeue to routed for one delivery.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
