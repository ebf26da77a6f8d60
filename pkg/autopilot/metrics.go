package autopilot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decisions counts per-candidate dispositions.
// Labels: outcome (pending, approved, executed, failed, duplicate)
var Decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reaper",
		Subsystem: "autopilot",
		Name:      "decisions_total",
		Help:      "Total number of auto-pilot decisions by outcome",
	},
	[]string{"outcome"},
)
