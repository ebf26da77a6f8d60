package autopilot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DrSkyle/reaper/pkg/engine/policy"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
	"github.com/DrSkyle/reaper/pkg/safety"
)

var testNow = time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)

type fakeRemediator struct {
	executes int32
	err      error
}

func (f *fakeRemediator) CreateBackup(ctx context.Context, r *remediation.Request) (remediation.BackupResult, error) {
	return remediation.BackupResult{ResourceID: "snap-" + r.ResourceID}, nil
}

func (f *fakeRemediator) Execute(ctx context.Context, r *remediation.Request) error {
	atomic.AddInt32(&f.executes, 1)
	return f.err
}

type capturingNotifier struct {
	mu        sync.Mutex
	summaries []Summary
}

func (n *capturingNotifier) NotifyAutopilot(ctx context.Context, s Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

type harness struct {
	svc     *remediation.Service
	rem     *fakeRemediator
	counter *safety.MemoryCounter
	engine  *Engine
}

func newHarness(t *testing.T, s Settings, opts ...Option) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }
	rem := &fakeRemediator{}
	svc := remediation.NewService(remediation.NewMemoryStore(),
		remediation.ResolverFunc(func(context.Context, *remediation.Request) (remediation.Remediator, error) {
			return rem, nil
		}),
		remediation.WithClock(clock),
		remediation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	counter := safety.NewMemoryCounter().WithClock(clock)
	opts = append([]Option{
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return &harness{
		svc:     svc,
		rem:     rem,
		counter: counter,
		engine:  New(svc, StaticSettings{Default: s}, counter, opts...),
	}
}

func enabled() Settings {
	s := DefaultSettings()
	s.Enabled = true
	return s
}

func candidate(id string, confidence float64) resources.Candidate {
	created := testNow.Add(-60 * 24 * time.Hour)
	return resources.Candidate{
		ResourceID:          id,
		ResourceType:        resources.EC2Volume,
		Provider:            resources.ProviderAWS,
		Region:              "us-east-1",
		MonthlyCostEstimate: 8,
		ConfidenceScore:     confidence,
		SupportsBackup:      true,
		RecommendedAction:   resources.ActionDeleteVolume,
		CreatedAt:           &created,
	}
}

func (h *harness) status(t *testing.T, id string) *remediation.Request {
	t.Helper()
	req, err := h.svc.Get(context.Background(), "acme", id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return req
}

func TestEngine_ConfidenceBelowThresholdStaysPending(t *testing.T) {
	h := newHarness(t, enabled())

	sum, err := h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{candidate("vol-low", 0.80)})
	if err != nil {
		t.Fatal(err)
	}
	d := sum.Decisions[0]
	if d.Outcome != OutcomePending {
		t.Fatalf("outcome = %s, want pending", d.Outcome)
	}
	if got := h.status(t, d.RequestID).Status; got != remediation.StatusPending {
		t.Errorf("status = %s, want PENDING", got)
	}
	if h.rem.executes != 0 {
		t.Error("low-confidence candidate must never execute")
	}
}

func TestEngine_HighConfidenceExecutes(t *testing.T) {
	h := newHarness(t, enabled())

	sum, err := h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{candidate("vol-hi", 0.99)})
	if err != nil {
		t.Fatal(err)
	}
	d := sum.Decisions[0]
	if d.Outcome != OutcomeExecuted {
		t.Fatalf("outcome = %s (%s), want executed", d.Outcome, d.Reason)
	}
	req := h.status(t, d.RequestID)
	if req.Status != remediation.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", req.Status)
	}
	if req.ReviewedByUserID != "" {
		t.Errorf("system approval should have no reviewer, got %q", req.ReviewedByUserID)
	}
	if req.BackupResourceID != "snap-vol-hi" {
		t.Errorf("backup = %q", req.BackupResourceID)
	}
	if sum.RealizedSavings != 8 {
		t.Errorf("RealizedSavings = %v", sum.RealizedSavings)
	}
	if n, _ := h.counter.Count(context.Background(), "acme"); n != 1 {
		t.Errorf("hourly counter = %d, want 1", n)
	}
}

func TestEngine_HourlyCapApprovesOnly(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if ok, _, _ := h.counter.TryAcquire(ctx, "acme", 10); !ok {
			t.Fatal("pre-filling the counter failed")
		}
	}

	sum, err := h.engine.Process(ctx, "acme", "conn-1", []resources.Candidate{candidate("vol-capped", 0.99)})
	if err != nil {
		t.Fatal(err)
	}
	d := sum.Decisions[0]
	if d.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", d.Outcome)
	}
	req := h.status(t, d.RequestID)
	if req.Status != remediation.StatusApproved {
		t.Fatalf("status = %s, want APPROVED", req.Status)
	}
	if !strings.Contains(req.ReviewNotes, RateLimitedNote) {
		t.Errorf("review notes %q should mention the rate limit", req.ReviewNotes)
	}
	if h.rem.executes != 0 {
		t.Error("capped request must not execute")
	}
}

func TestEngine_AutopilotOffLeavesPending(t *testing.T) {
	h := newHarness(t, DefaultSettings())

	sum, _ := h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{candidate("vol-1", 0.99)})
	if sum.Decisions[0].Outcome != OutcomePending || sum.AutopilotEnabled {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestEngine_DuplicateSuppressed(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	ctx := context.Background()
	c := candidate("vol-dup", 0.5)

	if _, err := h.engine.Process(ctx, "acme", "conn-1", []resources.Candidate{c}); err != nil {
		t.Fatal(err)
	}
	sum, err := h.engine.Process(ctx, "acme", "conn-1", []resources.Candidate{c})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Decisions[0].Outcome != OutcomeDuplicate {
		t.Errorf("second pass outcome = %s, want duplicate", sum.Decisions[0].Outcome)
	}
	reqs, _ := h.svc.List(ctx, remediation.Filter{TenantID: "acme"})
	if len(reqs) != 1 {
		t.Errorf("requests = %d, want 1", len(reqs))
	}
}

func TestEngine_SafetyPredicate(t *testing.T) {
	young := testNow.Add(-2 * 24 * time.Hour)

	tests := []struct {
		name   string
		mutate func(*resources.Candidate)
		reason string
	}{
		{"protection tag", func(c *resources.Candidate) { c.Tags = map[string]string{"Do-Not-Delete": "true"} }, "protection tag"},
		{"recently used", func(c *resources.Candidate) {
			c.Tags = map[string]string{"last-used": testNow.Add(-24 * time.Hour).Format(time.RFC3339)}
		}, "recently active"},
		{"too young", func(c *resources.Candidate) { c.CreatedAt = &young }, "minimum age"},
		{"young by tag", func(c *resources.Candidate) {
			c.CreatedAt = nil
			c.Tags = map[string]string{"created-at": "2026-06-30"}
		}, "minimum age"},
		{"malformed last-used", func(c *resources.Candidate) {
			c.Tags = map[string]string{"last-used": "yesterday-ish"}
		}, "unparseable activity tag"},
		{"malformed created-at", func(c *resources.Candidate) {
			c.CreatedAt = nil
			c.Tags = map[string]string{"created-at": "30/06/2026"}
		}, "unparseable creation tag"},
		{"policy rule", func(c *resources.Candidate) { c.Tags = map[string]string{"env": "prod"} }, "prod-guard"},
		{"manual review", func(c *resources.Candidate) { c.RecommendedAction = resources.ActionManualReview }, "manual review"},
	}

	rules, err := policy.NewCELEngine()
	if err != nil {
		t.Fatal(err)
	}
	if err := rules.Compile([]policy.Rule{{
		ID:        "prod-guard",
		Condition: "'env' in tags && tags['env'] == 'prod'",
		Action:    policy.ActionBlock,
	}}); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, enabled(), WithRules(rules))
			c := candidate("vol-"+strings.ReplaceAll(tt.name, " ", "-"), 0.99)
			tt.mutate(&c)

			sum, err := h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{c})
			if err != nil {
				t.Fatal(err)
			}
			d := sum.Decisions[0]
			if d.Outcome != OutcomePending {
				t.Fatalf("outcome = %s, want pending", d.Outcome)
			}
			if !strings.Contains(d.Reason, tt.reason) {
				t.Errorf("reason %q should contain %q", d.Reason, tt.reason)
			}
			if h.rem.executes != 0 {
				t.Error("excluded candidate executed")
			}
		})
	}
}

func TestEngine_ProtectionTagDisabledByValue(t *testing.T) {
	h := newHarness(t, enabled())
	c := candidate("vol-keep-false", 0.99)
	c.Tags = map[string]string{"keep": "false"}

	sum, _ := h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{c})
	if sum.Decisions[0].Outcome != OutcomeExecuted {
		t.Errorf("keep=false should not protect, got %s", sum.Decisions[0].Outcome)
	}
}

func TestEngine_ProviderFailureIsFailedOutcome(t *testing.T) {
	h := newHarness(t, enabled())
	h.rem.err = errors.New("AccessDenied: not authorized")

	sum, _ := h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{candidate("vol-f", 0.99)})
	d := sum.Decisions[0]
	if d.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", d.Outcome)
	}
	if strings.Contains(d.Reason, "AccessDenied") {
		t.Errorf("raw provider error leaked into decision: %q", d.Reason)
	}
	if got := h.status(t, d.RequestID).Status; got != remediation.StatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
}

func TestEngine_BreakerOpenLeavesApproved(t *testing.T) {
	clock := func() time.Time { return testNow }
	breaker := safety.NewBreaker(safety.NewMemoryStore(), safety.DefaultBreakerConfig(), safety.WithBreakerClock(clock))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = breaker.RecordFailure(ctx, "acme", 0)
	}

	rem := &fakeRemediator{}
	svc := remediation.NewService(remediation.NewMemoryStore(),
		remediation.ResolverFunc(func(context.Context, *remediation.Request) (remediation.Remediator, error) { return rem, nil }),
		remediation.WithBreaker(breaker),
		remediation.WithClock(clock),
	)
	counter := safety.NewMemoryCounter().WithClock(clock)
	e := New(svc, StaticSettings{Default: enabled()}, counter,
		WithClock(clock), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	sum, err := e.Process(ctx, "acme", "conn-1", []resources.Candidate{candidate("vol-b", 0.99)})
	if err != nil {
		t.Fatal(err)
	}
	d := sum.Decisions[0]
	if d.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", d.Outcome)
	}
	req, _ := svc.Get(ctx, "acme", d.RequestID)
	if req.Status != remediation.StatusApproved || rem.executes != 0 {
		t.Errorf("status = %s executes = %d", req.Status, rem.executes)
	}
	if n, _ := counter.Count(ctx, "acme"); n != 0 {
		t.Errorf("refused execution kept its hourly slot: count = %d", n)
	}
}

func TestEngine_HandleReportNotifies(t *testing.T) {
	n := &capturingNotifier{}
	h := newHarness(t, enabled(), WithNotifier(n))

	report := &scanner.Report{
		Provider: resources.ProviderAWS,
		Region:   "us-east-1",
		Categories: map[string][]resources.Candidate{
			"unattached_volumes": {candidate("vol-a", 0.99), candidate("vol-b", 0.5)},
		},
	}
	target := scanner.Target{TenantID: "acme", ConnectionID: "conn-1", Provider: resources.ProviderAWS}
	if err := h.engine.HandleReport(context.Background(), target, report); err != nil {
		t.Fatal(err)
	}
	if len(n.summaries) != 1 {
		t.Fatalf("notifications = %d", len(n.summaries))
	}
	s := n.summaries[0]
	if s.Count(OutcomeExecuted) != 1 || s.Count(OutcomePending) != 1 {
		t.Errorf("summary = %+v", s.Decisions)
	}
}

func TestEngine_ConcurrentBatchesRespectCap(t *testing.T) {
	s := enabled()
	s.MaxExecutionsPerHour = 3
	h := newHarness(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := candidate("vol-c"+string(rune('a'+i)), 0.99)
			_, _ = h.engine.Process(context.Background(), "acme", "conn-1", []resources.Candidate{c})
		}(i)
	}
	wg.Wait()
	if got := atomic.LoadInt32(&h.rem.executes); got != 3 {
		t.Errorf("executes = %d, want 3", got)
	}
}
