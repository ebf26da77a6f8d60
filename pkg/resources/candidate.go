package resources

import (
	"math"
	"time"
)

// Candidate is a resource a detection plugin believes is unused.
// Candidates are produced per scan and are not persisted by the engine.
type Candidate struct {
	ResourceID          string            `json:"resource_id"`
	ResourceName        string            `json:"resource_name,omitempty"`
	ResourceType        string            `json:"resource_type"`
	Provider            Provider          `json:"provider"`
	Region              string            `json:"region"`
	CategoryKey         string            `json:"category,omitempty"`
	MonthlyCostEstimate float64           `json:"monthly_cost_estimate"`
	ConfidenceScore     float64           `json:"confidence_score"`
	SupportsBackup      bool              `json:"supports_backup"`
	RecommendedAction   ActionKind        `json:"recommended_action"`
	ExplainabilityNotes string            `json:"explainability_notes"`
	Tags                map[string]string `json:"tags,omitempty"`
	CreatedAt           *time.Time        `json:"created_at,omitempty"`

	// Metadata carries provider coordinates a remediator needs later
	// (zone, resource group, project, snapshot source, ...).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Confidence returns the score clamped into [0,1]. NaN counts as zero.
func (c Candidate) Confidence() float64 {
	return ClampUnit(c.ConfidenceScore)
}

// Age returns how long ago the resource was created, or zero if unknown.
func (c Candidate) Age(now time.Time) time.Duration {
	if c.CreatedAt == nil || c.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(*c.CreatedAt)
}

// ClampUnit bounds v to the closed unit interval.
func ClampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// TotalMonthlyCost sums the monthly estimate over cs.
func TotalMonthlyCost(cs []Candidate) float64 {
	total := 0.0
	for _, c := range cs {
		total += c.MonthlyCostEstimate
	}
	return total
}
