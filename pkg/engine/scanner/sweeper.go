package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/swarm"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// DefaultSweepConcurrency bounds concurrent connection scans in a sweep.
const DefaultSweepConcurrency = 10

// Target is one tenant connection to sweep.
type Target struct {
	TenantID     string             `yaml:"tenant_id" mapstructure:"tenant_id"`
	ConnectionID string             `yaml:"connection_id" mapstructure:"connection_id"`
	Provider     resources.Provider `yaml:"provider" mapstructure:"provider"`
	Regions      []string           `yaml:"regions" mapstructure:"regions"`
}

// CredentialProvider resolves short-lived credentials for a stored connection.
// Implementations refresh before expiry.
type CredentialProvider interface {
	Credentials(ctx context.Context, tenantID, connectionID string, provider resources.Provider) (Credentials, error)
}

// ReportHandler consumes each report a sweep produces.
type ReportHandler interface {
	HandleReport(ctx context.Context, target Target, report *Report) error
}

// SweepResult is the outcome for one (target, region) pair.
type SweepResult struct {
	Target Target
	Region string
	Report *Report
	Err    error
}

// Sweeper scans many tenant connections through a bounded swarm pool.
type Sweeper struct {
	orch    *Orchestrator
	creds   CredentialProvider
	handler ReportHandler
	cfg     Config
	pool    *swarm.Pool
	logger  *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithReportHandler hands every successful report to h.
func WithReportHandler(h ReportHandler) SweeperOption {
	return func(s *Sweeper) { s.handler = h }
}

// WithConcurrency caps concurrent connection scans.
func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) { s.pool = newSweepPool(n) }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func newSweepPool(n int) *swarm.Pool {
	if n <= 0 {
		n = DefaultSweepConcurrency
	}
	// Connection scans take seconds; anything under a minute counts as healthy.
	return swarm.NewPool(n,
		swarm.WithThrottleClassifier(ratelimit.IsThrottle),
		swarm.WithHealthyLatency(time.Minute),
	)
}

// NewSweeper creates a sweeper. cfg is passed to every plugin.
func NewSweeper(orch *Orchestrator, creds CredentialProvider, cfg Config, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		orch:   orch,
		creds:  creds,
		cfg:    cfg,
		pool:   newSweepPool(DefaultSweepConcurrency),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every (target, region) pair. Per-target failures are reported in
// the results; only cancellation of ctx is returned as an error.
func (s *Sweeper) Run(ctx context.Context, targets []Target) ([]SweepResult, error) {
	var results []SweepResult
	for _, t := range targets {
		for _, region := range t.Regions {
			results = append(results, SweepResult{Target: t, Region: region})
		}
	}

	tasks := make([]swarm.Task, len(results))
	for i := range results {
		res := &results[i]
		tasks[i] = func(ctx context.Context) error {
			return s.scanOne(ctx, res)
		}
	}

	errs := s.pool.Run(ctx, tasks)
	for i, err := range errs {
		if results[i].Err == nil && results[i].Report == nil && err != nil {
			results[i].Err = err
		}
	}

	stats := s.pool.GetStats()
	s.logger.Info("sweep finished",
		"targets", len(targets),
		"scans", len(results),
		"concurrency", stats.Concurrency,
		"throttled", stats.Throttled,
	)
	return results, ctx.Err()
}

// scanOne fills res. Its return value only feeds the pool's AIMD controller.
func (s *Sweeper) scanOne(ctx context.Context, res *SweepResult) error {
	t := res.Target
	log := s.logger.With("tenant_id", t.TenantID, "connection_id", t.ConnectionID, "provider", t.Provider, "region", res.Region)

	creds, err := s.creds.Credentials(ctx, t.TenantID, t.ConnectionID, t.Provider)
	if err != nil {
		res.Err = fmt.Errorf("resolve credentials: %w", err)
		SweepTargets.WithLabelValues("error").Inc()
		log.Warn("credential resolution failed", "error", err)
		return res.Err
	}
	if creds.Provider == "" {
		creds.Provider = t.Provider
	}
	if creds.ConnectionID == "" {
		creds.ConnectionID = t.ConnectionID
	}

	report, err := s.orch.ScanAll(ctx, ScanRequest{
		Provider:    t.Provider,
		Region:      res.Region,
		Credentials: creds,
		Config:      s.cfg,
	})
	if err != nil {
		res.Err = err
		SweepTargets.WithLabelValues("error").Inc()
		log.Warn("scan failed", "error", err)
		return err
	}
	res.Report = report
	SweepTargets.WithLabelValues("ok").Inc()

	if s.handler != nil {
		if herr := s.handler.HandleReport(ctx, t, report); herr != nil {
			log.Error("report handler failed", "error", herr)
		}
	}

	if report.ThrottledPlugins() > 0 {
		return fmt.Errorf("%d plugins throttled: %w", report.ThrottledPlugins(), ratelimit.ErrThrottled)
	}
	return nil
}
