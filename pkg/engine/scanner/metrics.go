package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PluginDuration tracks how long each plugin scan takes.
	PluginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reaper",
			Subsystem: "scanner",
			Name:      "plugin_duration_seconds",
			Help:      "Duration of plugin scans in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "category"},
	)

	// PluginRuns counts plugin executions.
	// Labels: outcome (ok, error, timeout, panic)
	PluginRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "scanner",
			Name:      "plugin_runs_total",
			Help:      "Total number of plugin executions by outcome",
		},
		[]string{"provider", "category", "outcome"},
	)

	// CandidatesFound counts candidates kept after the region filter.
	CandidatesFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "scanner",
			Name:      "candidates_found_total",
			Help:      "Total number of zombie candidates reported",
		},
		[]string{"provider", "category"},
	)

	// CrossRegionDropped counts candidates discarded for reporting a foreign region.
	CrossRegionDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "scanner",
			Name:      "cross_region_dropped_total",
			Help:      "Total number of candidates dropped by the region consistency filter",
		},
		[]string{"provider"},
	)

	// SweepTargets counts sweep target scans.
	// Labels: outcome (ok, error)
	SweepTargets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "scanner",
			Name:      "sweep_targets_total",
			Help:      "Total number of tenant connection scans run by the sweeper",
		},
		[]string{"outcome"},
	)
)
