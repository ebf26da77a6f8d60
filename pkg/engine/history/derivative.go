package history

import (
	"fmt"
	"time"
)

// Alert thresholds.
const (
	// SpikeVelocity is waste growth, in $/month per hour, that raises a spike alert.
	SpikeVelocity = 50.0
	// SpikeAcceleration is the growth of that velocity per hour.
	SpikeAcceleration = 25.0
)

// Trend contains derived waste signals.
type Trend struct {
	CurrentWaste float64 // $/month
	Velocity     float64 // change of waste per hour
	Acceleration float64 // change of velocity per hour

	ProjectedWaste24h float64
	// TimeToBudget is how long until waste crosses the budget; -1 when it
	// never will at the current velocity.
	TimeToBudget time.Duration

	Alerts []string
}

// Analyze derives the trend from a series, oldest first. budget is the
// monthly waste that should not be exceeded; zero disables the budget alert.
func Analyze(history []Snapshot, budget float64) Trend {
	if len(history) == 0 {
		return Trend{TimeToBudget: -1}
	}
	current := history[len(history)-1]
	if len(history) < 2 {
		return Trend{CurrentWaste: current.TotalMonthlyWaste, ProjectedWaste24h: current.TotalMonthlyWaste, TimeToBudget: -1}
	}
	prev := history[len(history)-2]

	hours := float64(current.Timestamp-prev.Timestamp) / 3600.0
	if hours <= 0 {
		return Trend{CurrentWaste: current.TotalMonthlyWaste, ProjectedWaste24h: current.TotalMonthlyWaste, TimeToBudget: -1}
	}
	velocity := (current.TotalMonthlyWaste - prev.TotalMonthlyWaste) / hours

	acceleration := 0.0
	if len(history) >= 3 {
		prev2 := history[len(history)-3]
		hours2 := float64(prev.Timestamp-prev2.Timestamp) / 3600.0
		if hours2 > 0 {
			prevVelocity := (prev.TotalMonthlyWaste - prev2.TotalMonthlyWaste) / hours2
			acceleration = (velocity - prevVelocity) / hours
		}
	}

	projected := current.TotalMonthlyWaste + velocity*24 + 0.5*acceleration*24*24
	if projected < 0 {
		projected = 0
	}

	var ttb time.Duration = -1
	if budget > 0 {
		headroom := budget - current.TotalMonthlyWaste
		switch {
		case headroom <= 0:
			ttb = 0
		case velocity > 0:
			ttb = time.Duration(headroom / velocity * float64(time.Hour))
		}
	}

	var alerts []string
	if velocity > SpikeVelocity {
		alerts = append(alerts, fmt.Sprintf("waste spike: +$%.0f/mo per hour", velocity))
	}
	if acceleration > SpikeAcceleration {
		alerts = append(alerts, fmt.Sprintf("waste accelerating: +$%.0f/mo per hour²", acceleration))
	}
	switch {
	case ttb == 0:
		alerts = append(alerts, fmt.Sprintf("waste budget exceeded: $%.2f/mo over $%.2f", current.TotalMonthlyWaste, budget))
	case ttb > 0 && ttb < 24*time.Hour:
		alerts = append(alerts, fmt.Sprintf("waste budget reached in %s", ttb.Round(time.Minute)))
	}

	return Trend{
		CurrentWaste:      current.TotalMonthlyWaste,
		Velocity:          velocity,
		Acceleration:      acceleration,
		ProjectedWaste24h: projected,
		TimeToBudget:      ttb,
		Alerts:            alerts,
	}
}
