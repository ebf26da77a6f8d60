package remediation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsCreated counts new remediation requests.
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "remediation",
			Name:      "requests_created_total",
			Help:      "Total number of remediation requests created",
		},
		[]string{"provider", "action"},
	)

	// RequestTransitions counts status changes.
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "remediation",
			Name:      "transitions_total",
			Help:      "Total number of remediation request status transitions",
		},
		[]string{"from", "to"},
	)

	// ExecutionDuration tracks the destructive path from EXECUTING to a
	// terminal state.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reaper",
			Subsystem: "remediation",
			Name:      "execution_duration_seconds",
			Help:      "Duration of remediation executions",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action", "outcome"},
	)
)
