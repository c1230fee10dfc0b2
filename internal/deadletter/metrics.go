package deadletter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entriesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "deadletter",
		Name:      "entries_total",
		Help:      "Dead-letter entries by source, reason and outcome.",
	},
	[]string{"source", "reason", "outcome"}, // outcome: "written", "dropped", "flush_failed"
)
