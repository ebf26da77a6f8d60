// Package autopilot decides, per candidate, whether a remediation waits for
// a human or is approved and executed autonomously.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DrSkyle/reaper/pkg/engine/policy"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
	"github.com/DrSkyle/reaper/pkg/safety"
)

// Outcome is the disposition of one candidate.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeApproved  Outcome = "approved"
	OutcomeExecuted  Outcome = "executed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// RateLimitedNote is written to review notes when the hourly cap stops an
// auto-approved request from executing.
const RateLimitedNote = "hourly execution rate limit reached"

// Service is the part of remediation.Service the engine drives.
type Service interface {
	CreateRequest(ctx context.Context, in remediation.CreateInput) (*remediation.Request, error)
	Approve(ctx context.Context, tenantID, id, reviewerID, notes string) (*remediation.Request, error)
	Execute(ctx context.Context, tenantID, id string, bypassGracePeriod bool) (*remediation.Request, error)
}

// Notifier receives a summary after each processed batch.
type Notifier interface {
	NotifyAutopilot(ctx context.Context, s Summary) error
}

// Decision records what happened to one candidate.
type Decision struct {
	ResourceID string
	RequestID  string
	Outcome    Outcome
	Reason     string
	Savings    float64
}

// Summary aggregates a batch.
type Summary struct {
	TenantID         string
	ConnectionID     string
	Provider         resources.Provider
	Region           string
	Decisions        []Decision
	RealizedSavings  float64
	AutopilotEnabled bool
}

// Count returns the number of decisions with outcome o.
func (s Summary) Count(o Outcome) int {
	n := 0
	for _, d := range s.Decisions {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

// Engine is the autonomous remediation policy layer.
type Engine struct {
	svc      Service
	settings SettingsProvider
	counter  safety.ExecutionCounter
	rules    *policy.CELEngine
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules adds CEL exclusion rules to the safety predicate.
func WithRules(r *policy.CELEngine) Option {
	return func(e *Engine) { e.rules = r }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. counter must be shared by every process executing
// for the same tenants.
func New(svc Service, settings SettingsProvider, counter safety.ExecutionCounter, opts ...Option) *Engine {
	e := &Engine{
		svc:      svc,
		settings: settings,
		counter:  counter,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleReport processes every candidate of a sweep report.
func (e *Engine) HandleReport(ctx context.Context, target scanner.Target, report *scanner.Report) error {
	_, err := e.Process(ctx, target.TenantID, target.ConnectionID, report.Candidates())
	return err
}

// Process creates a request for every candidate and decides its fate.
// Per-candidate errors are recorded as failed decisions; only a settings
// lookup failure aborts the batch.
func (e *Engine) Process(ctx context.Context, tenantID, connectionID string, cands []resources.Candidate) (Summary, error) {
	sum := Summary{TenantID: tenantID, ConnectionID: connectionID}
	if len(cands) > 0 {
		sum.Provider = cands[0].Provider
		sum.Region = cands[0].Region
	}

	settings, err := e.settings.Settings(ctx, tenantID)
	if err != nil {
		return sum, fmt.Errorf("load auto-pilot settings: %w", err)
	}
	settings = settings.Normalize()
	sum.AutopilotEnabled = settings.Enabled

	for _, c := range cands {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		d := e.decide(ctx, tenantID, connectionID, settings, c)
		Decisions.WithLabelValues(string(d.Outcome)).Inc()
		if d.Outcome == OutcomeExecuted {
			sum.RealizedSavings += d.Savings
		}
		sum.Decisions = append(sum.Decisions, d)
	}

	e.logger.Info("auto-pilot batch processed",
		"tenant_id", tenantID,
		"connection_id", connectionID,
		"candidates", len(cands),
		"executed", sum.Count(OutcomeExecuted),
		"approved", sum.Count(OutcomeApproved),
		"pending", sum.Count(OutcomePending),
		"failed", sum.Count(OutcomeFailed),
		"duplicate", sum.Count(OutcomeDuplicate),
	)

	if e.notifier != nil && len(sum.Decisions) > 0 {
		if err := e.notifier.NotifyAutopilot(ctx, sum); err != nil {
			e.logger.Warn("auto-pilot notification failed", "tenant_id", tenantID, "error", err)
		}
	}
	return sum, nil
}

func (e *Engine) decide(ctx context.Context, tenantID, connectionID string, s Settings, c resources.Candidate) Decision {
	d := Decision{ResourceID: c.ResourceID, Savings: c.MonthlyCostEstimate}
	log := e.logger.With("tenant_id", tenantID, "resource_id", c.ResourceID, "action", string(c.RecommendedAction))

	req, err := e.svc.CreateRequest(ctx, remediation.FromCandidate(tenantID, connectionID, c))
	if errors.Is(err, remediation.ErrDuplicateRequest) {
		d.Outcome = OutcomeDuplicate
		return d
	}
	if err != nil {
		log.Warn("create remediation request failed", "error", err)
		d.Outcome, d.Reason = OutcomeFailed, err.Error()
		return d
	}
	d.RequestID = req.ID
	log = log.With("request_id", req.ID)

	skip := func(reason string) Decision {
		log.Info("auto-pilot left request pending", "event", "autopilot_skipped", "reason", reason)
		d.Outcome, d.Reason = OutcomePending, reason
		return d
	}

	if !s.Enabled {
		d.Outcome = OutcomePending
		return d
	}
	conf := c.Confidence()
	if conf < s.MinConfidence {
		return skip(fmt.Sprintf("confidence %.2f below threshold %.2f", conf, s.MinConfidence))
	}
	if !c.RecommendedAction.Executable() {
		return skip("action requires manual review")
	}
	now := e.now()
	reason, err := e.exclusion(ctx, s, c, now)
	if err != nil {
		return skip(fmt.Sprintf("safety predicate error: %v", err))
	}
	if reason != "" {
		return skip(reason)
	}

	granted, n, err := e.counter.TryAcquire(ctx, tenantID, s.MaxExecutionsPerHour)
	if err != nil {
		return skip(fmt.Sprintf("execution counter unavailable: %v", err))
	}
	if !granted {
		log.Info("hourly execution cap reached; approving without executing",
			"event", "hourly_execution_cap_reached", "count", n, "limit", s.MaxExecutionsPerHour)
		notes := fmt.Sprintf("auto-approved by auto-pilot; %s (%d/%d), awaiting manual execution", RateLimitedNote, n, s.MaxExecutionsPerHour)
		if _, err := e.svc.Approve(ctx, tenantID, req.ID, "", notes); err != nil {
			log.Warn("auto-approve failed", "error", err)
			d.Outcome, d.Reason = OutcomeFailed, err.Error()
			return d
		}
		d.Outcome, d.Reason = OutcomeApproved, RateLimitedNote
		return d
	}

	notes := fmt.Sprintf("auto-approved by auto-pilot (confidence %.2f >= %.2f)", conf, s.MinConfidence)
	if _, err := e.svc.Approve(ctx, tenantID, req.ID, "", notes); err != nil {
		log.Warn("auto-approve failed", "error", err)
		e.releaseSlot(ctx, log, tenantID)
		d.Outcome, d.Reason = OutcomeFailed, err.Error()
		return d
	}

	_, err = e.svc.Execute(ctx, tenantID, req.ID, true)
	switch {
	case err == nil:
		d.Outcome = OutcomeExecuted
		log.Info("auto-pilot executed remediation", "savings", c.MonthlyCostEstimate)
	case errors.Is(err, safety.ErrCircuitOpen):
		log.Warn("circuit breaker refused execution", "event", "circuit_open")
		e.releaseSlot(ctx, log, tenantID)
		d.Outcome, d.Reason = OutcomeApproved, err.Error()
	case errors.Is(err, safety.ErrDailySavingsCap):
		log.Warn("daily savings cap refused execution", "event", "daily_savings_cap_reached")
		e.releaseSlot(ctx, log, tenantID)
		d.Outcome, d.Reason = OutcomeApproved, err.Error()
	default:
		log.Error("auto-pilot execution failed", "error", err)
		d.Outcome, d.Reason = OutcomeFailed, err.Error()
	}
	return d
}

// releaseSlot returns an hourly slot that did not lead to an execution.
func (e *Engine) releaseSlot(ctx context.Context, log *slog.Logger, tenantID string) {
	if err := e.counter.Release(ctx, tenantID); err != nil {
		log.Warn("failed to release hourly execution slot", "error", err)
	}
}
