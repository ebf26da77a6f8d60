package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// Remediator carries out remediation requests against one project.
type Remediator struct {
	Compute   Mutator
	ProjectID string
	Backoff   ratelimit.BackoffConfig
	Estimator pricing.Estimator
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewRemediator reuses the session's API client.
func NewRemediator(s *Session) *Remediator {
	return &Remediator{
		Compute:   &Client{Service: s.service},
		ProjectID: s.ProjectID,
		Backoff:   ratelimit.DefaultBackoffConfig(),
		Estimator: pricing.NewCatalog(),
	}
}

var _ remediation.Remediator = (*Remediator)(nil)

func (r *Remediator) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Remediator) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Remediator) do(ctx context.Context, fn func(context.Context) error) error {
	_, err := ratelimit.WithBackoff(ctx, r.Backoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, classify(fn(ctx))
	})
	return err
}

// coords resolves project, location and name from request metadata,
// falling back to the self link.
func (r *Remediator) coords(req *remediation.Request, scope string) (project, location, name string) {
	project, location, name = req.Metadata["project"], req.Metadata[scope], req.Metadata["name"]
	parts := strings.Split(req.ResourceID, "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "projects":
			if project == "" {
				project = parts[i+1]
			}
		case scope + "s":
			if location == "" {
				location = parts[i+1]
			}
		}
	}
	if name == "" {
		name = lastSegment(req.ResourceID)
	}
	if project == "" {
		project = r.ProjectID
	}
	return project, location, name
}

// snapshotName fits the 63 character RFC1035 limit.
func snapshotName(req *remediation.Request, at time.Time) string {
	id := strings.ToLower(strings.ReplaceAll(req.ID, "-", ""))
	if len(id) > 12 {
		id = id[:12]
	}
	return "reaper-" + id + "-" + at.UTC().Format("20060102150405")
}

// CreateBackup snapshots a persistent disk before deletion.
func (r *Remediator) CreateBackup(ctx context.Context, req *remediation.Request) (remediation.BackupResult, error) {
	if req.Action != resources.ActionDeleteVolume {
		return remediation.BackupResult{}, fmt.Errorf("no backup strategy for %s", req.Action)
	}
	project, zone, disk := r.coords(req, "zone")
	if zone == "" {
		return remediation.BackupResult{}, fmt.Errorf("disk %s: zone unknown", disk)
	}
	at := r.now()
	days := req.BackupRetentionDays
	if days <= 0 {
		days = 7
	}
	name := snapshotName(req, at)
	snap := &compute.Snapshot{
		Name:        name,
		Description: "reaper backup of " + disk + " for request " + req.ID,
		Labels: map[string]string{
			"created-by":     "reaper",
			"source-disk":    disk,
			RetainUntilLabel: strconv.FormatInt(at.Add(time.Duration(days)*24*time.Hour).Unix(), 10),
		},
	}
	if err := r.do(ctx, func(ctx context.Context) error {
		return r.Compute.SnapshotDisk(ctx, project, zone, disk, snap)
	}); err != nil {
		return remediation.BackupResult{}, fmt.Errorf("snapshot disk %s: %w", disk, err)
	}

	est := r.Estimator
	if est == nil {
		est = pricing.NewCatalog()
	}
	size, _ := strconv.ParseFloat(req.Metadata["size_gb"], 64)
	// Snapshot storage is billed near the pd-standard rate.
	cost := est.EstimateMonthlyWaste(resources.ProviderGCP, resources.GCPDisk,
		pricing.FormatSize("pd-standard", size), zoneRegion(zone))

	r.log().Info("Created disk snapshot", "disk", disk, "snapshot", name, "request_id", req.ID)
	return remediation.BackupResult{
		ResourceID:   "projects/" + project + "/global/snapshots/" + name,
		CostEstimate: cost,
	}, nil
}

// Execute carries out req.Action.
func (r *Remediator) Execute(ctx context.Context, req *remediation.Request) error {
	var op func(context.Context) error
	var name string
	switch req.Action {
	case resources.ActionDeleteVolume:
		project, zone, disk := r.coords(req, "zone")
		if zone == "" {
			return fmt.Errorf("disk %s: zone unknown", disk)
		}
		name = disk
		op = func(ctx context.Context) error { return r.Compute.DeleteDisk(ctx, project, zone, disk) }
	case resources.ActionReleaseElasticIP:
		project, region, addr := r.coords(req, "region")
		if region == "" {
			region = req.Region
		}
		name = addr
		op = func(ctx context.Context) error { return r.Compute.DeleteAddress(ctx, project, region, addr) }
	default:
		return fmt.Errorf("action %s is not supported on gcp", req.Action)
	}
	if err := r.do(ctx, op); err != nil {
		return fmt.Errorf("%s %s: %w", req.Action, name, err)
	}
	r.log().Info("Executed remediation", "action", req.Action, "resource", req.ResourceID, "request_id", req.ID)
	return nil
}
