package remediation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DrSkyle/reaper/pkg/audit"
	"github.com/DrSkyle/reaper/pkg/engine/lazarus"
	"github.com/DrSkyle/reaper/pkg/jobs"
	"github.com/DrSkyle/reaper/pkg/resources"
	"github.com/DrSkyle/reaper/pkg/storage"
)

// MockRemediator records provider calls.
type MockRemediator struct {
	mu         sync.Mutex
	calls      []string
	BackupErr  error
	ExecuteErr error
	executes   int32
}

func (m *MockRemediator) CreateBackup(ctx context.Context, req *Request) (BackupResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "backup:"+req.ResourceID)
	m.mu.Unlock()
	if m.BackupErr != nil {
		return BackupResult{}, m.BackupErr
	}
	return BackupResult{ResourceID: "snap-" + req.ResourceID, CostEstimate: 2.5}, nil
}

func (m *MockRemediator) Execute(ctx context.Context, req *Request) error {
	atomic.AddInt32(&m.executes, 1)
	m.mu.Lock()
	m.calls = append(m.calls, string(req.Action)+":"+req.ResourceID)
	m.mu.Unlock()
	return m.ExecuteErr
}

func (m *MockRemediator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// SpyBreaker counts settlements and can refuse.
type SpyBreaker struct {
	mu                          sync.Mutex
	Refuse                      error
	checks, successes, failures int
	releases                    int
}

func (b *SpyBreaker) Check(context.Context, string, float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checks++
	return b.Refuse
}

func (b *SpyBreaker) RecordSuccess(context.Context, string, float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	return nil
}

func (b *SpyBreaker) RecordFailure(context.Context, string, float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	return nil
}

func (b *SpyBreaker) Release(context.Context, string, float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Log(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Types() []audit.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (r *recordingScheduler) Enqueue(_ context.Context, j jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

type failingBlobStore struct{}

func (failingBlobStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }
func (failingBlobStore) Get(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}
func (failingBlobStore) List(context.Context, string) ([]string, error) { return nil, nil }

type fixture struct {
	svc       *Service
	store     *MemoryStore
	rem       *MockRemediator
	breaker   *SpyBreaker
	sink      *recordingSink
	scheduler *recordingScheduler
	now       time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     NewMemoryStore(),
		rem:       &MockRemediator{},
		breaker:   &SpyBreaker{},
		sink:      &recordingSink{},
		scheduler: &recordingScheduler{},
		now:       time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	var seq int32
	base := []Option{
		WithBreaker(f.breaker),
		WithAuditSink(f.sink),
		WithScheduler(f.scheduler),
		WithClock(func() time.Time { return f.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string { return fmt.Sprintf("req-%d", atomic.AddInt32(&seq, 1)) }),
	}
	resolver := ResolverFunc(func(ctx context.Context, req *Request) (Remediator, error) { return f.rem, nil })
	f.svc = NewService(f.store, resolver, append(base, opts...)...)
	return f
}

func volumeInput(resourceID string) CreateInput {
	conf := 0.97
	return CreateInput{
		TenantID:                "acme",
		ConnectionID:            "conn-1",
		ResourceID:              resourceID,
		ResourceType:            resources.EC2Volume,
		Provider:                resources.ProviderAWS,
		Region:                  "us-east-1",
		Action:                  resources.ActionDeleteVolume,
		EstimatedMonthlySavings: 8,
		ConfidenceScore:         &conf,
		CreateBackup:            true,
		RequestedByUserID:       "user-1",
	}
}

func (f *fixture) approved(t *testing.T, in CreateInput) *Request {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.CreateRequest(ctx, in)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	r, err = f.svc.Approve(ctx, r.TenantID, r.ID, "reviewer-1", "looks idle")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return r
}

func TestCreateRequest_DuplicateGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.CreateRequest(ctx, volumeInput("vol-1"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusPending || first.BackupRetentionDays != DefaultBackupRetentionDays {
		t.Fatalf("unexpected new request: %+v", first)
	}

	if _, err := f.svc.CreateRequest(ctx, volumeInput("vol-1")); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	// Another tenant may hold a request for the same resource id.
	other := volumeInput("vol-1")
	other.TenantID = "globex"
	if _, err := f.svc.CreateRequest(ctx, other); err != nil {
		t.Fatalf("other tenant: %v", err)
	}

	if _, err := f.svc.Reject(ctx, "acme", first.ID, "reviewer-1", "still needed"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateRequest(ctx, volumeInput("vol-1")); err != nil {
		t.Fatalf("a rejected request must not block a new one: %v", err)
	}
}

func TestCreateRequest_CompletedBlocksNewRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.approved(t, volumeInput("vol-1"))
	if _, err := f.svc.Execute(ctx, "acme", r.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateRequest(ctx, volumeInput("vol-1")); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest after completion, got %v", err)
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing tenant", func(in *CreateInput) { in.TenantID = "" }},
		{"missing resource", func(in *CreateInput) { in.ResourceID = "" }},
		{"bad provider", func(in *CreateInput) { in.Provider = "oracle" }},
		{"bad action", func(in *CreateInput) { in.Action = "nuke" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := volumeInput("vol-1")
			tt.mutate(&in)
			if _, err := f.svc.CreateRequest(context.Background(), in); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestCreateRequest_ClampsConfidence(t *testing.T) {
	f := newFixture(t)
	in := volumeInput("vol-1")
	conf := 1.7
	in.ConfidenceScore = &conf
	r, err := f.svc.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if *r.ConfidenceScore != 1 {
		t.Errorf("ConfidenceScore = %v, want 1", *r.ConfidenceScore)
	}
}

func TestReviewTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, _ := f.svc.CreateRequest(ctx, volumeInput("vol-1"))
	approved, err := f.svc.Approve(ctx, "acme", r.ID, "alice", "ok")
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusApproved || approved.ReviewedByUserID != "alice" || approved.ReviewNotes != "ok" {
		t.Fatalf("unexpected approval: %+v", approved)
	}
	if f.rem.Calls() != nil {
		t.Fatal("approve must not execute")
	}

	if _, err := f.svc.Reject(ctx, "acme", r.ID, "bob", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reject after approve: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, "acme", r.ID, "bob", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel of APPROVED: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.Approve(ctx, "globex", r.ID, "eve", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant approve: expected ErrNotFound, got %v", err)
	}

	p, _ := f.svc.CreateRequest(ctx, volumeInput("vol-2"))
	cancelled, err := f.svc.Cancel(ctx, "acme", p.ID, "user-1", "changed my mind")
	if err != nil || cancelled.Status != StatusCancelled {
		t.Fatalf("cancel pending: %v %+v", err, cancelled)
	}
}

func TestExecute_GracePeriodSchedulesThenRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.approved(t, volumeInput("vol-1"))

	scheduled, err := f.svc.Execute(ctx, "acme", r.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	wantAt := f.now.Add(DefaultGracePeriod)
	if scheduled.Status != StatusScheduled || !scheduled.ScheduledExecutionAt.Equal(wantAt) {
		t.Fatalf("expected SCHEDULED at %v, got %+v", wantAt, scheduled)
	}
	if len(f.scheduler.jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(f.scheduler.jobs))
	}
	job := f.scheduler.jobs[0]
	if job.Type != jobs.TypeRemediationExecute || job.RequestID != r.ID || !job.NotBefore.Equal(wantAt) {
		t.Errorf("unexpected job %+v", job)
	}
	if len(f.rem.Calls()) != 0 {
		t.Fatal("scheduling must not touch the provider")
	}

	f.advance(time.Hour)
	if _, err := f.svc.Execute(ctx, "acme", r.ID, false); !errors.Is(err, ErrGracePeriodActive) {
		t.Fatalf("expected ErrGracePeriodActive, got %v", err)
	}

	f.advance(DefaultGracePeriod)
	done, err := f.svc.Execute(ctx, "acme", r.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusCompleted || done.ExecutedAt == nil {
		t.Fatalf("expected COMPLETED, got %+v", done)
	}
}

func TestRunOverdue_RestartedWorkerPicksUpScheduled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	early := f.approved(t, volumeInput("vol-1"))
	if _, err := f.svc.Execute(ctx, "acme", early.ID, false); err != nil {
		t.Fatal(err)
	}
	f.advance(2 * time.Hour)
	late := f.approved(t, volumeInput("vol-2"))
	if _, err := f.svc.Execute(ctx, "acme", late.ID, false); err != nil {
		t.Fatal(err)
	}

	// The process that held the timers is gone; a new one shares the store.
	f.advance(DefaultGracePeriod - time.Hour)
	restarted := NewService(f.store,
		ResolverFunc(func(context.Context, *Request) (Remediator, error) { return f.rem, nil }),
		WithBreaker(f.breaker),
		WithClock(func() time.Time { return f.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	n, err := restarted.RunOverdue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("executed %d overdue requests, want 1", n)
	}
	if got, _ := restarted.Get(ctx, "acme", early.ID); got.Status != StatusCompleted {
		t.Errorf("overdue request status = %s, want COMPLETED", got.Status)
	}
	if got, _ := restarted.Get(ctx, "acme", late.ID); got.Status != StatusScheduled {
		t.Errorf("request still in its grace period status = %s, want SCHEDULED", got.Status)
	}

	f.advance(2 * time.Hour)
	if n, err := restarted.RunOverdue(ctx); err != nil || n != 1 {
		t.Fatalf("second pass = %d, %v; want 1", n, err)
	}
	if n, _ := restarted.RunOverdue(ctx); n != 0 {
		t.Errorf("completed requests ran again: %d", n)
	}
}

func TestExecute_CancelDuringGracePeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.approved(t, volumeInput("vol-1"))
	if _, err := f.svc.Execute(ctx, "acme", r.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, "acme", r.ID, "user-1", ""); err != nil {
		t.Fatal(err)
	}

	f.advance(48 * time.Hour)
	if _, err := f.svc.Execute(ctx, "acme", r.ID, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for a cancelled request, got %v", err)
	}
	if len(f.rem.Calls()) != 0 {
		t.Fatal("cancelled request reached the provider")
	}
}

func TestExecute_BackupBeforeDestroy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.approved(t, volumeInput("vol-1"))

	done, err := f.svc.Execute(ctx, "acme", r.ID, true)
	if err != nil {
		t.Fatal(err)
	}

	calls := f.rem.Calls()
	if len(calls) != 2 || calls[0] != "backup:vol-1" || calls[1] != "delete_volume:vol-1" {
		t.Fatalf("unexpected call order %v", calls)
	}
	if done.BackupResourceID != "snap-vol-1" || done.BackupCostEstimate == nil || *done.BackupCostEstimate != 2.5 {
		t.Errorf("backup not recorded: %+v", done)
	}
	if f.breaker.checks != 1 || f.breaker.successes != 1 {
		t.Errorf("breaker checks=%d successes=%d", f.breaker.checks, f.breaker.successes)
	}

	want := []audit.EventType{
		audit.EventRemediationRequested,
		audit.EventRemediationApproved,
		audit.EventRemediationExecutionStarted,
		audit.EventRemediationBackupCreated,
		audit.EventRemediationExecuted,
	}
	got := f.sink.Types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("audit events = %v, want %v", got, want)
	}
}

func TestExecute_BackupFailureNeverDestroys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rem.BackupErr = errors.New("SnapshotLimitExceeded: too many snapshots")
	r := f.approved(t, volumeInput("vol-1"))

	out, err := f.svc.Execute(ctx, "acme", r.ID, true)
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if out.Status != StatusFailed || !strings.HasPrefix(out.ExecutionError, ReasonBackupFailed) {
		t.Fatalf("expected FAILED with BACKUP_FAILED reason, got %+v", out)
	}
	if n := atomic.LoadInt32(&f.rem.executes); n != 0 {
		t.Fatalf("destructive call issued %d times after a failed backup", n)
	}
	stored, _ := f.svc.Get(ctx, "acme", r.ID)
	if stored.Status != StatusFailed {
		t.Errorf("stored status = %s", stored.Status)
	}
	if f.breaker.failures != 1 {
		t.Errorf("breaker failures = %d, want 1", f.breaker.failures)
	}
}

func TestExecute_NoBackupWhenNotRequested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := volumeInput("vol-1")
	in.CreateBackup = false
	r := f.approved(t, in)

	if _, err := f.svc.Execute(ctx, "acme", r.ID, true); err != nil {
		t.Fatal(err)
	}
	if calls := f.rem.Calls(); len(calls) != 1 || calls[0] != "delete_volume:vol-1" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestExecute_ProviderErrorIsBoundedAndHidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	raw := "AccessDenied: " + strings.Repeat("x", 2000)
	f.rem.ExecuteErr = errors.New(raw)
	in := volumeInput("vol-1")
	in.CreateBackup = false
	r := f.approved(t, in)

	out, err := f.svc.Execute(ctx, "acme", r.ID, true)
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "AccessDenied") {
		t.Error("raw provider message leaked to the caller")
	}
	if out.Status != StatusFailed || len(out.ExecutionError) > MaxExecutionErrorLen || !strings.HasPrefix(out.ExecutionError, "AccessDenied") {
		t.Errorf("unexpected failure record: status=%s len=%d", out.Status, len(out.ExecutionError))
	}
	if f.breaker.failures != 1 {
		t.Errorf("breaker failures = %d", f.breaker.failures)
	}
}

func TestExecute_BreakerRefusalLeavesRequestUntouched(t *testing.T) {
	ctx := context.Background()
	refusal := errors.New("circuit breaker open")
	f := newFixture(t)
	f.breaker.Refuse = refusal
	r := f.approved(t, volumeInput("vol-1"))

	out, err := f.svc.Execute(ctx, "acme", r.ID, true)
	if !errors.Is(err, refusal) {
		t.Fatalf("expected breaker error, got %v", err)
	}
	if out.Status != StatusApproved {
		t.Errorf("status = %s, want APPROVED", out.Status)
	}
	if len(f.rem.Calls()) != 0 {
		t.Error("provider called through an open breaker")
	}
}

func TestExecute_NotExecutableActions(t *testing.T) {
	for _, action := range []resources.ActionKind{resources.ActionResizeInstance, resources.ActionManualReview} {
		t.Run(string(action), func(t *testing.T) {
			f := newFixture(t)
			in := volumeInput("i-1")
			in.Action = action
			r := f.approved(t, in)
			out, err := f.svc.Execute(context.Background(), "acme", r.ID, true)
			if !errors.Is(err, ErrActionNotExecutable) {
				t.Fatalf("expected ErrActionNotExecutable, got %v", err)
			}
			if out.Status != StatusApproved {
				t.Errorf("status changed to %s", out.Status)
			}
		})
	}
}

func TestExecute_RequiresApproval(t *testing.T) {
	f := newFixture(t)
	r, _ := f.svc.CreateRequest(context.Background(), volumeInput("vol-1"))
	if _, err := f.svc.Execute(context.Background(), "acme", r.ID, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for PENDING, got %v", err)
	}
}

func TestExecute_ConcurrentCallsRunOnce(t *testing.T) {
	f := newFixture(t)
	in := volumeInput("vol-1")
	in.CreateBackup = false
	r := f.approved(t, in)

	var wg sync.WaitGroup
	var completed, conflicted int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Execute(context.Background(), "acme", r.ID, true)
			switch {
			case err == nil:
				atomic.AddInt32(&completed, 1)
			case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidTransition):
				atomic.AddInt32(&conflicted, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&f.rem.executes); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	if completed != 1 || conflicted != 15 {
		t.Errorf("completed=%d conflicted=%d", completed, conflicted)
	}
	// Callers that passed the gate and then lost the conditional write
	// hand their slot back.
	if f.breaker.releases != f.breaker.checks-1 {
		t.Errorf("releases=%d checks=%d", f.breaker.releases, f.breaker.checks)
	}
}

func TestExecute_TombstoneWrittenBeforeDestroy(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewLocalStore(t.TempDir())
	vault := lazarus.NewVault(blobs)
	f := newFixture(t, WithVault(vault))
	in := volumeInput("vol-1")
	in.Metadata = map[string]string{"availability_zone": "us-east-1a"}
	r := f.approved(t, in)

	done, err := f.svc.Execute(ctx, "acme", r.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if done.TombstoneKey == "" {
		t.Fatal("tombstone key not recorded")
	}
	ts, err := vault.Exhume(ctx, done.TombstoneKey)
	if err != nil {
		t.Fatal(err)
	}
	if ts.RequestID != r.ID || ts.Soul["availability_zone"] != "us-east-1a" || ts.Soul["connection_id"] != "conn-1" {
		t.Errorf("unexpected tombstone %+v", ts)
	}
}

func TestExecute_TombstoneFailureIsHardStop(t *testing.T) {
	f := newFixture(t, WithVault(lazarus.NewVault(failingBlobStore{})))
	r := f.approved(t, volumeInput("vol-1"))

	out, err := f.svc.Execute(context.Background(), "acme", r.ID, true)
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if out.Status != StatusFailed || len(f.rem.Calls()) != 0 {
		t.Fatalf("status=%s calls=%v", out.Status, f.rem.Calls())
	}
	if f.breaker.releases != 1 || f.breaker.failures != 0 {
		t.Errorf("storage failure should release, not trip: releases=%d failures=%d", f.breaker.releases, f.breaker.failures)
	}
}

func TestList_FiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"vol-1", "vol-2", "vol-3"} {
		if _, err := f.svc.CreateRequest(ctx, volumeInput(id)); err != nil {
			t.Fatal(err)
		}
		f.advance(time.Minute)
	}
	reqs, _ := f.svc.List(ctx, Filter{TenantID: "acme"})
	if len(reqs) != 3 || reqs[0].ResourceID != "vol-3" {
		t.Fatalf("expected newest first, got %v", reqs)
	}
	_, _ = f.svc.Approve(ctx, "acme", reqs[0].ID, "alice", "")
	pending, _ := f.svc.List(ctx, Filter{TenantID: "acme", Statuses: []Status{StatusPending}, Limit: 1})
	if len(pending) != 1 || pending[0].ResourceID != "vol-2" {
		t.Errorf("unexpected filtered list %v", pending)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusApproved},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCancelled},
		{StatusApproved, StatusScheduled},
		{StatusApproved, StatusExecuting},
		{StatusScheduled, StatusExecuting},
		{StatusScheduled, StatusCancelled},
		{StatusExecuting, StatusCompleted},
		{StatusExecuting, StatusFailed},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be legal", e[0], e[1])
		}
	}
	for _, e := range [][2]Status{
		{StatusApproved, StatusRejected},
		{StatusCompleted, StatusPending},
		{StatusFailed, StatusExecuting},
		{StatusPending, StatusExecuting},
	} {
		if CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be illegal", e[0], e[1])
		}
	}
}

func TestFromCandidate(t *testing.T) {
	c := resources.Candidate{
		ResourceID:          "vol-1",
		ResourceType:        resources.EC2Volume,
		Provider:            resources.ProviderAWS,
		Region:              "us-east-1",
		MonthlyCostEstimate: 8,
		ConfidenceScore:     0.99,
		SupportsBackup:      true,
		RecommendedAction:   resources.ActionDeleteVolume,
		Tags:                map[string]string{"team": "data"},
	}
	in := FromCandidate("acme", "conn-1", c)
	if !in.CreateBackup || in.RequestedByUserID != "" || *in.ConfidenceScore != 0.99 {
		t.Errorf("unexpected input %+v", in)
	}
	in.Tags["team"] = "changed"
	if c.Tags["team"] != "data" {
		t.Error("FromCandidate must copy tags")
	}
}
