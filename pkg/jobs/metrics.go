package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts accepted jobs.
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of deferred jobs accepted",
		},
		[]string{"type"},
	)

	// JobsHandled counts finished jobs.
	// Labels: type, outcome (ok, error, abandoned)
	JobsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "jobs",
			Name:      "handled_total",
			Help:      "Total number of deferred jobs handled",
		},
		[]string{"type", "outcome"},
	)
)
