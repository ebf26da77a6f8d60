package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/DrSkyle/reaper/pkg/engine/scanner"
)

var (
	// MonthlyWaste is the latest scan total per connection.
	MonthlyWaste = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "reaper",
			Subsystem: "history",
			Name:      "monthly_waste_usd",
			Help:      "Estimated monthly waste found by the latest scan",
		},
		[]string{"tenant", "connection", "region"},
	)

	// TrendAlerts counts waste trend alerts raised.
	TrendAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reaper",
			Subsystem: "history",
			Name:      "trend_alerts_total",
			Help:      "Total number of waste trend alerts",
		},
		[]string{"tenant"},
	)
)

// Recorder appends every completed scan report to the ledger and logs the
// resulting trend alerts.
type Recorder struct {
	Ledger *Ledger
	// Window is how many snapshots feed Analyze.
	Window int
	Budget float64
	Logger *slog.Logger
	Now    func() time.Time
}

// HandleReport implements scanner.ReportHandler. Reports that failed
// aggregation are not recorded since their totals understate the waste.
func (r *Recorder) HandleReport(ctx context.Context, target scanner.Target, report *scanner.Report) error {
	if report == nil || report.Error != "" {
		return nil
	}
	ts := report.ScannedAt
	if ts.IsZero() {
		ts = r.now()
	}
	snap := Snapshot{
		Timestamp:         ts.Unix(),
		TenantID:          target.TenantID,
		ConnectionID:      target.ConnectionID,
		Provider:          report.Provider,
		Region:            report.Region,
		TotalMonthlyWaste: report.TotalMonthlyWaste,
		CategoryCounts:    make(map[string]int, len(report.Categories)),
	}
	for k, cands := range report.Categories {
		snap.CategoryCounts[k] = len(cands)
		snap.WasteCount += len(cands)
	}
	if err := r.Ledger.Append(ctx, snap); err != nil {
		return err
	}
	MonthlyWaste.WithLabelValues(snap.TenantID, snap.ConnectionID, snap.Region).Set(snap.TotalMonthlyWaste)

	window, err := r.Ledger.Window(ctx, snap.Series(), r.window())
	if err != nil {
		return err
	}
	trend := Analyze(window, r.Budget)
	for _, alert := range trend.Alerts {
		TrendAlerts.WithLabelValues(snap.TenantID).Inc()
		r.logger().WarnContext(ctx, "waste trend alert",
			"tenant_id", snap.TenantID,
			"connection_id", snap.ConnectionID,
			"region", snap.Region,
			"alert", alert,
			"velocity", trend.Velocity)
	}
	return nil
}

func (r *Recorder) window() int {
	if r.Window > 0 {
		return r.Window
	}
	return 24
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
