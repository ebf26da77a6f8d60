package azure

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// Operations are the long-running ARM mutations the remediator issues.
// Every method blocks until Azure reports the operation finished.
type Operations interface {
	SnapshotDisk(ctx context.Context, resourceGroup, name string, snapshot armcompute.Snapshot) (string, error)
	DeleteDisk(ctx context.Context, resourceGroup, name string) error
	DeallocateVM(ctx context.Context, resourceGroup, name string) error
	DeleteVM(ctx context.Context, resourceGroup, name string) error
	DeletePublicIP(ctx context.Context, resourceGroup, name string) error
}

// armOperations implements Operations with the ARM SDK clients.
type armOperations struct {
	disks     *armcompute.DisksClient
	snapshots *armcompute.SnapshotsClient
	vms       *armcompute.VirtualMachinesClient
	ips       *armnetwork.PublicIPAddressesClient
}

// NewOperations builds ARM clients for one subscription.
func NewOperations(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (Operations, error) {
	if opts == nil {
		opts = clientOptions()
	}
	disks, err := armcompute.NewDisksClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	snapshots, err := armcompute.NewSnapshotsClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	vms, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	ips, err := armnetwork.NewPublicIPAddressesClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, err
	}
	return &armOperations{disks: disks, snapshots: snapshots, vms: vms, ips: ips}, nil
}

func (o *armOperations) SnapshotDisk(ctx context.Context, rg, name string, snapshot armcompute.Snapshot) (string, error) {
	poller, err := o.snapshots.BeginCreateOrUpdate(ctx, rg, name, snapshot, nil)
	if err != nil {
		return "", err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", err
	}
	return deref(resp.ID), nil
}

func (o *armOperations) DeleteDisk(ctx context.Context, rg, name string) error {
	poller, err := o.disks.BeginDelete(ctx, rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (o *armOperations) DeallocateVM(ctx context.Context, rg, name string) error {
	poller, err := o.vms.BeginDeallocate(ctx, rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (o *armOperations) DeleteVM(ctx context.Context, rg, name string) error {
	poller, err := o.vms.BeginDelete(ctx, rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (o *armOperations) DeletePublicIP(ctx context.Context, rg, name string) error {
	poller, err := o.ips.BeginDelete(ctx, rg, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

// Remediator carries out remediation requests against one subscription.
type Remediator struct {
	Ops       Operations
	Backoff   ratelimit.BackoffConfig
	Estimator pricing.Estimator
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewRemediator builds a Remediator for a session's subscription.
func NewRemediator(s *Session) (*Remediator, error) {
	ops, err := NewOperations(s.SubscriptionID, s.Credential, s.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("azure operations: %w", err)
	}
	return &Remediator{
		Ops:       ops,
		Backoff:   ratelimit.DefaultBackoffConfig(),
		Estimator: pricing.NewCatalog(),
	}, nil
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

// snapshotName is unique per request; ARM names allow up to 80 characters.
func snapshotName(req *remediation.Request, disk string, at time.Time) string {
	id := strings.ReplaceAll(req.ID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	name := "reaper-" + id + "-" + at.UTC().Format("20060102150405") + "-" + disk
	if len(name) > 80 {
		name = name[:80]
	}
	return name
}

// CreateBackup takes an incremental snapshot of a managed disk.
func (r *Remediator) CreateBackup(ctx context.Context, req *remediation.Request) (remediation.BackupResult, error) {
	if req.Action != resources.ActionDeleteVolume {
		return remediation.BackupResult{}, fmt.Errorf("no backup strategy for %s", req.Action)
	}
	rg, disk, err := resourceGroup(req.ResourceID)
	if err != nil {
		return remediation.BackupResult{}, err
	}
	at := r.now()
	days := req.BackupRetentionDays
	if days <= 0 {
		days = 7
	}
	location := req.Metadata["location"]
	if location == "" {
		location = req.Region
	}

	var snapID string
	err = r.do(ctx, func(ctx context.Context) error {
		var err error
		snapID, err = r.Ops.SnapshotDisk(ctx, rg, snapshotName(req, disk, at), armcompute.Snapshot{
			Location: to.Ptr(location),
			Properties: &armcompute.SnapshotProperties{
				CreationData: &armcompute.CreationData{
					CreateOption:     to.Ptr(armcompute.DiskCreateOptionCopy),
					SourceResourceID: to.Ptr(req.ResourceID),
				},
				Incremental: to.Ptr(true),
			},
			Tags: map[string]*string{
				"CreatedBy":         to.Ptr("reaper"),
				"SourceDisk":        to.Ptr(disk),
				"reaper-request-id": to.Ptr(req.ID),
				RetainUntilTag:      to.Ptr(at.Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)),
			},
		})
		return err
	})
	if err != nil {
		return remediation.BackupResult{}, fmt.Errorf("snapshot disk %s: %w", disk, err)
	}

	est := r.Estimator
	if est == nil {
		est = pricing.NewCatalog()
	}
	size, _ := strconv.ParseFloat(req.Metadata["size_gb"], 64)
	cost := est.EstimateMonthlyWaste(resources.ProviderAzure, resources.AzureManagedDisk,
		pricing.FormatSize("Standard_LRS", size), location)

	r.log().Info("Created disk snapshot", "disk", disk, "snapshot", snapID, "request_id", req.ID)
	return remediation.BackupResult{ResourceID: snapID, CostEstimate: cost}, nil
}

// Execute carries out req.Action.
func (r *Remediator) Execute(ctx context.Context, req *remediation.Request) error {
	rg, name, err := resourceGroup(req.ResourceID)
	if err != nil {
		return err
	}
	var op func(context.Context) error
	switch req.Action {
	case resources.ActionDeleteVolume:
		op = func(ctx context.Context) error { return r.Ops.DeleteDisk(ctx, rg, name) }
	case resources.ActionReleaseElasticIP:
		op = func(ctx context.Context) error { return r.Ops.DeletePublicIP(ctx, rg, name) }
	case resources.ActionStopInstance:
		op = func(ctx context.Context) error { return r.Ops.DeallocateVM(ctx, rg, name) }
	case resources.ActionTerminateInstance:
		op = func(ctx context.Context) error { return r.Ops.DeleteVM(ctx, rg, name) }
	default:
		return fmt.Errorf("action %s is not supported on azure", req.Action)
	}
	if err := r.do(ctx, op); err != nil {
		return fmt.Errorf("%s %s: %w", req.Action, name, err)
	}
	r.log().Info("Executed remediation", "action", req.Action, "resource", req.ResourceID, "request_id", req.ID)
	return nil
}
