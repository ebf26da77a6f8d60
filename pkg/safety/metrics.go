package safety

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerTransitions counts breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "safety",
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"from", "to"},
	)

	// BreakerRejections counts executions refused by the breaker.
	// Labels: reason (open, daily_cap)
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "safety",
			Name:      "breaker_rejections_total",
			Help:      "Total number of executions refused by the circuit breaker",
		},
		[]string{"reason"},
	)
)
