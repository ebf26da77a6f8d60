package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DrSkyle/reaper/pkg/resources"
)

type staticCreds struct {
	failFor string
}

func (s staticCreds) Credentials(ctx context.Context, tenantID, connectionID string, provider resources.Provider) (Credentials, error) {
	if connectionID == s.failFor {
		return Credentials{}, errors.New("connection revoked")
	}
	return Credentials{ConnectionID: connectionID, RoleARN: "arn:aws:iam::123456789012:role/reaper"}, nil
}

type recordingHandler struct {
	mu      sync.Mutex
	reports map[string]*Report
}

func (h *recordingHandler) HandleReport(ctx context.Context, target Target, report *Report) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reports == nil {
		h.reports = make(map[string]*Report)
	}
	h.reports[target.TenantID+"/"+report.Region] = report
	return nil
}

type regionEcho struct{}

func (regionEcho) CategoryKey() string { return "echo" }

func (regionEcho) Scan(ctx context.Context, in Input) ([]resources.Candidate, error) {
	return []resources.Candidate{{ResourceID: in.Credentials.ConnectionID, Region: in.Region, MonthlyCostEstimate: 1}}, nil
}

func TestSweeper_ScansEveryTargetRegion(t *testing.T) {
	r := NewRegistry()
	r.Register(resources.ProviderAWS, func() Plugin { return regionEcho{} })
	r.RegisterDetector(&countingDetector{})

	handler := &recordingHandler{}
	sw := NewSweeper(newTestOrchestrator(r), staticCreds{failFor: "conn-bad"}, Config{},
		WithReportHandler(handler), WithConcurrency(2), WithSweepLogger(quietLogger()))

	targets := []Target{
		{TenantID: "t1", ConnectionID: "conn-1", Provider: resources.ProviderAWS, Regions: []string{"us-east-1", "eu-west-1"}},
		{TenantID: "t2", ConnectionID: "conn-bad", Provider: resources.ProviderAWS, Regions: []string{"us-east-1"}},
	}

	results, err := sw.Run(context.Background(), targets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	var ok, failed int
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
			if res.Target.ConnectionID != "conn-bad" {
				t.Errorf("unexpected failure for %s: %v", res.Target.ConnectionID, res.Err)
			}
		case res.Report != nil:
			ok++
			if got := res.Report.Categories["echo"][0].ResourceID; got != "conn-1" {
				t.Errorf("credentials not threaded to plugin, saw %q", got)
			}
		}
	}
	if ok != 2 || failed != 1 {
		t.Errorf("ok=%d failed=%d, want 2 and 1", ok, failed)
	}
	if len(handler.reports) != 2 {
		t.Errorf("handler saw %d reports, want 2", len(handler.reports))
	}
}

func TestSweeper_CancelledContext(t *testing.T) {
	r := NewRegistry()
	r.Register(resources.ProviderAWS, func() Plugin { return regionEcho{} })
	r.RegisterDetector(&countingDetector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := NewSweeper(newTestOrchestrator(r), staticCreds{}, Config{}, WithSweepLogger(quietLogger()))
	results, err := sw.Run(ctx, []Target{{TenantID: "t", ConnectionID: "c", Provider: resources.ProviderAWS, Regions: []string{"us-east-1"}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Errorf("unstarted scan should carry the cancellation error: %+v", results)
	}
}
