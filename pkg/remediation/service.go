package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/reaper/pkg/audit"
	"github.com/DrSkyle/reaper/pkg/engine/lazarus"
	"github.com/DrSkyle/reaper/pkg/jobs"
	"github.com/DrSkyle/reaper/pkg/resources"
)

const (
	DefaultGracePeriod         = 24 * time.Hour
	DefaultBackupRetentionDays = 7
	// MaxExecutionErrorLen bounds the provider message kept in ExecutionError.
	MaxExecutionErrorLen = 500
)

// Failure reasons prefixed to ExecutionError.
const (
	ReasonBackupFailed        = "BACKUP_FAILED"
	ReasonProviderUnavailable = "PROVIDER_UNAVAILABLE"
)

// CreateInput describes a new request.
type CreateInput struct {
	TenantID                string
	ConnectionID            string
	ResourceID              string
	ResourceType            string
	Provider                resources.Provider
	Region                  string
	Action                  resources.ActionKind
	EstimatedMonthlySavings float64
	ConfidenceScore         *float64
	ExplainabilityNotes     string
	CreateBackup            bool
	BackupRetentionDays     int
	// RequestedByUserID is empty when the system originates the request.
	RequestedByUserID string
	Tags              map[string]string
	Metadata          map[string]string
}

// FromCandidate builds a system-originated CreateInput. Backups are
// requested whenever the candidate supports one.
func FromCandidate(tenantID, connectionID string, c resources.Candidate) CreateInput {
	conf := c.Confidence()
	return CreateInput{
		TenantID:                tenantID,
		ConnectionID:            connectionID,
		ResourceID:              c.ResourceID,
		ResourceType:            c.ResourceType,
		Provider:                c.Provider,
		Region:                  c.Region,
		Action:                  c.RecommendedAction,
		EstimatedMonthlySavings: c.MonthlyCostEstimate,
		ConfidenceScore:         &conf,
		ExplainabilityNotes:     c.ExplainabilityNotes,
		CreateBackup:            c.SupportsBackup && c.RecommendedAction.BackupEligible(),
		Tags:                    cloneMap(c.Tags),
		Metadata:                cloneMap(c.Metadata),
	}
}

func (in CreateInput) validate() error {
	switch {
	case in.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case in.ResourceID == "":
		return fmt.Errorf("%w: resource_id is required", ErrInvalidRequest)
	case !in.Provider.Valid():
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, in.Provider)
	}
	if _, err := resources.ParseAction(string(in.Action)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Service is the only writer of Request state.
type Service struct {
	store     Store
	resolver  RemediatorResolver
	breaker   Breaker
	audit     audit.Sink
	scheduler jobs.Scheduler
	vault     *lazarus.Vault
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	grace     time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithBreaker(b Breaker) Option {
	return func(s *Service) {
		if b != nil {
			s.breaker = b
		}
	}
}

func WithAuditSink(a audit.Sink) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithScheduler sets where grace-period executions are enqueued.
func WithScheduler(j jobs.Scheduler) Option {
	return func(s *Service) { s.scheduler = j }
}

// WithVault enables tombstones before destructive actions.
func WithVault(v *lazarus.Vault) Option {
	return func(s *Service) { s.vault = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

func NewService(store Store, resolver RemediatorResolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		breaker:  noBreaker{},
		audit:    audit.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		grace:    DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest inserts a PENDING request.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (*Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.BackupRetentionDays <= 0 {
		in.BackupRetentionDays = DefaultBackupRetentionDays
	}
	if in.ConfidenceScore != nil {
		c := resources.ClampUnit(*in.ConfidenceScore)
		in.ConfidenceScore = &c
	}

	now := s.now().UTC()
	r := &Request{
		ID:                      s.newID(),
		TenantID:                in.TenantID,
		ResourceID:              in.ResourceID,
		ResourceType:            in.ResourceType,
		Provider:                in.Provider,
		Region:                  in.Region,
		ConnectionID:            in.ConnectionID,
		Action:                  in.Action,
		Status:                  StatusPending,
		EstimatedMonthlySavings: in.EstimatedMonthlySavings,
		ConfidenceScore:         in.ConfidenceScore,
		ExplainabilityNotes:     in.ExplainabilityNotes,
		CreateBackup:            in.CreateBackup,
		BackupRetentionDays:     in.BackupRetentionDays,
		RequestedByUserID:       in.RequestedByUserID,
		CreatedAt:               now,
		UpdatedAt:               now,
		Tags:                    cloneMap(in.Tags),
		Metadata:                cloneMap(in.Metadata),
	}
	if err := s.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, in.ResourceID)
		}
		return nil, fmt.Errorf("create remediation request: %w", err)
	}

	RequestsCreated.WithLabelValues(string(r.Provider), string(r.Action)).Inc()
	s.emit(ctx, r, audit.EventRemediationRequested, r.RequestedByUserID, true, map[string]any{
		"action":                    string(r.Action),
		"estimated_monthly_savings": r.EstimatedMonthlySavings,
		"create_backup":             r.CreateBackup,
	}, "")
	return r, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (*Request, error) {
	return s.store.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Request, error) {
	return s.store.List(ctx, f)
}

// Approve moves PENDING to APPROVED. An empty reviewer means the system
// approved. It never executes.
func (s *Service) Approve(ctx context.Context, tenantID, id, reviewerID, notes string) (*Request, error) {
	return s.review(ctx, tenantID, id, reviewerID, notes, StatusApproved, audit.EventRemediationApproved)
}

// Reject moves PENDING to REJECTED.
func (s *Service) Reject(ctx context.Context, tenantID, id, reviewerID, notes string) (*Request, error) {
	return s.review(ctx, tenantID, id, reviewerID, notes, StatusRejected, audit.EventRemediationRejected)
}

// Cancel withdraws a PENDING request or a SCHEDULED one still in its grace
// period.
func (s *Service) Cancel(ctx context.Context, tenantID, id, actorID, notes string) (*Request, error) {
	return s.review(ctx, tenantID, id, actorID, notes, StatusCancelled, audit.EventRemediationCancelled)
}

func (s *Service) review(ctx context.Context, tenantID, id, actorID, notes string, to Status, event audit.EventType) (*Request, error) {
	out, err := s.transition(ctx, tenantID, id, to, func(r *Request) {
		r.ReviewedByUserID = actorID
		if notes != "" {
			r.ReviewNotes = notes
		}
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, out, event, actorID, true, reviewDetails(out), "")
	return out, nil
}

func reviewDetails(r *Request) map[string]any {
	d := map[string]any{"action": string(r.Action)}
	if r.ReviewNotes != "" {
		d["review_notes"] = r.ReviewNotes
	}
	return d
}

// transition moves a request along one legal edge with a conditional write
// on the status that was read.
func (s *Service) transition(ctx context.Context, tenantID, id string, to Status, mutate func(*Request)) (*Request, error) {
	cur, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	return s.move(ctx, cur, []Status{cur.Status}, to, mutate)
}

func (s *Service) move(ctx context.Context, cur *Request, from []Status, to Status, mutate func(*Request)) (*Request, error) {
	now := s.now().UTC()
	out, err := s.store.Transition(ctx, cur.TenantID, cur.ID, from, func(r *Request) {
		r.Status = to
		r.UpdatedAt = now
		if mutate != nil {
			mutate(r)
		}
	})
	if err != nil {
		return nil, err
	}
	RequestTransitions.WithLabelValues(string(cur.Status), string(to)).Inc()
	s.logger.Info("remediation request transitioned",
		"tenant_id", cur.TenantID,
		"request_id", cur.ID,
		"resource_id", cur.ResourceID,
		"from", cur.Status,
		"to", to,
	)
	return out, nil
}

// Execute runs an APPROVED request, or a SCHEDULED one whose grace period
// has elapsed. Without bypassGracePeriod an APPROVED request is scheduled
// instead and a follow-up job is enqueued.
//
// When a backup is requested for a backup-eligible action it is taken
// before the destructive call, and a failed backup ends the request in
// FAILED without that call ever being made.
func (s *Service) Execute(ctx context.Context, tenantID, id string, bypassGracePeriod bool) (*Request, error) {
	ctx, span := otel.Tracer("reaper/remediation").Start(ctx, "execute", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", id),
		attribute.Bool("bypass_grace_period", bypassGracePeriod),
	))
	defer span.End()

	req, err := s.execute(ctx, tenantID, id, bypassGracePeriod)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if req != nil {
		span.SetAttributes(attribute.String("status", string(req.Status)))
	}
	return req, err
}

func (s *Service) execute(ctx context.Context, tenantID, id string, bypass bool) (*Request, error) {
	req, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !req.Action.Executable() {
		return req, fmt.Errorf("%w: %s", ErrActionNotExecutable, req.Action)
	}

	now := s.now().UTC()
	switch req.Status {
	case StatusApproved:
		if !bypass {
			return s.schedule(ctx, req, now)
		}
	case StatusScheduled:
		if !bypass && req.ScheduledExecutionAt != nil && now.Before(*req.ScheduledExecutionAt) {
			return req, fmt.Errorf("%w: scheduled for %s", ErrGracePeriodActive, req.ScheduledExecutionAt.Format(time.RFC3339))
		}
	default:
		return req, fmt.Errorf("%w: cannot execute a %s request", ErrInvalidTransition, req.Status)
	}
	return s.run(ctx, req)
}

// RunOverdue executes every SCHEDULED request whose grace period has
// elapsed. It picks up jobs a restarted or absent worker never delivered;
// requests the breaker defers stay SCHEDULED for the next pass. It returns
// how many requests completed.
func (s *Service) RunOverdue(ctx context.Context) (int, error) {
	due, err := s.store.List(ctx, Filter{Statuses: []Status{StatusScheduled}})
	if err != nil {
		return 0, fmt.Errorf("list scheduled requests: %w", err)
	}

	now := s.now().UTC()
	done := 0
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if r.ScheduledExecutionAt != nil && now.Before(*r.ScheduledExecutionAt) {
			continue
		}
		_, err := s.Execute(ctx, r.TenantID, r.ID, false)
		switch {
		case err == nil:
			done++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
			s.logger.Debug("overdue request taken by another worker", "tenant_id", r.TenantID, "request_id", r.ID)
		default:
			s.logger.Warn("overdue execution did not complete",
				"tenant_id", r.TenantID, "request_id", r.ID, "error", err)
		}
	}
	if done > 0 {
		s.logger.Info("recovered overdue remediation requests", "executed", done)
	}
	return done, nil
}

func (s *Service) schedule(ctx context.Context, req *Request, now time.Time) (*Request, error) {
	at := now.Add(s.grace)
	out, err := s.move(ctx, req, []Status{StatusApproved}, StatusScheduled, func(r *Request) {
		r.ScheduledExecutionAt = &at
	})
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		job := jobs.Job{
			Type:      jobs.TypeRemediationExecute,
			TenantID:  out.TenantID,
			RequestID: out.ID,
			NotBefore: at,
		}
		if err := s.scheduler.Enqueue(ctx, job); err != nil {
			// The request stays SCHEDULED; any later Execute call still runs it.
			s.logger.Error("failed to enqueue grace-period execution",
				"tenant_id", out.TenantID, "request_id", out.ID, "error", err)
		}
	}

	s.emit(ctx, out, audit.EventRemediationScheduled, "", true, map[string]any{
		"action":                 string(out.Action),
		"scheduled_execution_at": at.Format(time.RFC3339),
	}, "")
	return out, nil
}

// run is the destructive path. Every admitted breaker slot is settled
// before returning.
func (s *Service) run(ctx context.Context, req *Request) (*Request, error) {
	if err := s.breaker.Check(ctx, req.TenantID, req.EstimatedMonthlySavings); err != nil {
		s.logger.Info("execution deferred by safety gate",
			"tenant_id", req.TenantID,
			"request_id", req.ID,
			"reason", err.Error(),
		)
		return req, err
	}

	start := s.now()
	exec, err := s.move(ctx, req, []Status{StatusApproved, StatusScheduled}, StatusExecuting, func(r *Request) {
		r.ExecutionError = ""
	})
	if err != nil {
		s.release(ctx, req)
		return nil, err
	}
	s.emit(ctx, exec, audit.EventRemediationExecutionStarted, "", true, map[string]any{
		"action": string(exec.Action),
	}, "")

	// The outcome must be recorded even if the caller goes away mid-call.
	ctx = context.WithoutCancel(ctx)

	rem, err := s.resolver.Remediator(ctx, exec)
	if err != nil {
		s.release(ctx, exec)
		return s.fail(ctx, exec, start, ReasonProviderUnavailable, err, ErrExecutionFailed)
	}

	if s.vault != nil && exec.Action.Destructive() {
		key, err := s.bury(ctx, exec)
		if err != nil {
			s.release(ctx, exec)
			return s.fail(ctx, exec, start, ReasonBackupFailed, err, ErrBackupFailed)
		}
		exec = s.annotate(ctx, exec, func(r *Request) { r.TombstoneKey = key })
	}

	if exec.WantsBackup() {
		backup, err := rem.CreateBackup(ctx, exec)
		if err != nil {
			s.recordFailure(ctx, exec)
			return s.fail(ctx, exec, start, ReasonBackupFailed, err, ErrBackupFailed)
		}
		cost := backup.CostEstimate
		exec = s.annotate(ctx, exec, func(r *Request) {
			r.BackupResourceID = backup.ResourceID
			r.BackupCostEstimate = &cost
		})
		s.emit(ctx, exec, audit.EventRemediationBackupCreated, "", true, map[string]any{
			"action":               string(exec.Action),
			"backup_resource_id":   backup.ResourceID,
			"backup_cost_estimate": cost,
		}, "")
	}

	if err := rem.Execute(ctx, exec); err != nil {
		s.recordFailure(ctx, exec)
		return s.fail(ctx, exec, start, "", err, ErrExecutionFailed)
	}

	done := s.now().UTC()
	out, err := s.move(ctx, exec, []Status{StatusExecuting}, StatusCompleted, func(r *Request) {
		r.ExecutedAt = &done
	})
	if err != nil {
		s.logger.Error("remediation executed but completion was not recorded",
			"tenant_id", exec.TenantID, "request_id", exec.ID, "error", err)
		s.recordSuccess(ctx, exec)
		return exec, fmt.Errorf("record completion: %w", err)
	}
	s.recordSuccess(ctx, out)

	ExecutionDuration.WithLabelValues(string(out.Action), "completed").Observe(done.Sub(start).Seconds())
	s.emit(ctx, out, audit.EventRemediationExecuted, "", true, map[string]any{
		"action":             string(out.Action),
		"backup_resource_id": out.BackupResourceID,
		"realized_savings":   out.EstimatedMonthlySavings,
	}, "")
	return out, nil
}

// annotate persists fields on an EXECUTING request. A failed write is
// logged and the in-memory copy is used so the outcome is still recorded.
func (s *Service) annotate(ctx context.Context, exec *Request, mutate func(*Request)) *Request {
	out, err := s.store.Transition(ctx, exec.TenantID, exec.ID, []Status{StatusExecuting}, func(r *Request) {
		r.UpdatedAt = s.now().UTC()
		mutate(r)
	})
	if err != nil {
		s.logger.Warn("failed to persist execution detail",
			"tenant_id", exec.TenantID, "request_id", exec.ID, "error", err)
		c := exec.Clone()
		mutate(c)
		return c
	}
	return out
}

func (s *Service) bury(ctx context.Context, r *Request) (string, error) {
	ts := lazarus.NewTombstone(r.TenantID, r.ID, r.ResourceID, r.ResourceType,
		string(r.Provider), r.Region, string(r.Action), s.now())
	ts.Tags = cloneMap(r.Tags)
	for k, v := range r.Metadata {
		ts.Soul[k] = v
	}
	ts.Soul["connection_id"] = r.ConnectionID
	ts.Soul["estimated_monthly_savings"] = strconv.FormatFloat(r.EstimatedMonthlySavings, 'f', 2, 64)
	return s.vault.Bury(ctx, ts)
}

// fail records FAILED with a bounded message and returns sentinel so raw
// provider text never reaches the caller.
func (s *Service) fail(ctx context.Context, exec *Request, start time.Time, reason string, cause, sentinel error) (*Request, error) {
	msg := cause.Error()
	if reason != "" {
		msg = reason + ": " + msg
	}
	msg = truncate(msg, MaxExecutionErrorLen)

	s.logger.Error("remediation failed",
		"tenant_id", exec.TenantID,
		"request_id", exec.ID,
		"resource_id", exec.ResourceID,
		"action", exec.Action,
		"reason", reason,
		"error", cause,
	)

	out, err := s.move(ctx, exec, []Status{StatusExecuting}, StatusFailed, func(r *Request) {
		r.ExecutionError = msg
	})
	if err != nil {
		s.logger.Error("failed to record remediation failure",
			"tenant_id", exec.TenantID, "request_id", exec.ID, "error", err)
		out = exec.Clone()
		out.Status = StatusFailed
		out.ExecutionError = msg
	}

	ExecutionDuration.WithLabelValues(string(exec.Action), "failed").Observe(s.now().Sub(start).Seconds())
	s.emit(ctx, out, audit.EventRemediationFailed, "", false, map[string]any{
		"action":             string(out.Action),
		"reason":             reason,
		"backup_resource_id": out.BackupResourceID,
	}, msg)
	return out, fmt.Errorf("%w: request %s", sentinel, exec.ID)
}

func (s *Service) recordSuccess(ctx context.Context, r *Request) {
	if err := s.breaker.RecordSuccess(ctx, r.TenantID, r.EstimatedMonthlySavings); err != nil {
		s.logger.Warn("failed to record breaker success", "tenant_id", r.TenantID, "error", err)
	}
}

func (s *Service) recordFailure(ctx context.Context, r *Request) {
	if err := s.breaker.RecordFailure(ctx, r.TenantID, r.EstimatedMonthlySavings); err != nil {
		s.logger.Warn("failed to record breaker failure", "tenant_id", r.TenantID, "error", err)
	}
}

func (s *Service) release(ctx context.Context, r *Request) {
	if err := s.breaker.Release(ctx, r.TenantID, r.EstimatedMonthlySavings); err != nil {
		s.logger.Warn("failed to release breaker slot", "tenant_id", r.TenantID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, r *Request, typ audit.EventType, actorID string, success bool, details map[string]any, errMsg string) {
	e := audit.Event{
		Type:         typ,
		TenantID:     r.TenantID,
		ActorID:      actorID,
		RequestID:    r.ID,
		ResourceID:   r.ResourceID,
		ResourceType: r.ResourceType,
		Success:      success,
		Details:      details,
		ErrorMessage: errMsg,
		Timestamp:    s.now().UTC(),
	}
	if err := s.audit.Log(ctx, e); err != nil {
		s.logger.Warn("audit sink failed", "event", string(typ), "request_id", r.ID, "error", err)
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
