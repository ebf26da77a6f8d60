// Package gcp detects and remediates idle Compute Engine disks and
// reserved-but-unused static addresses.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

const userAgent = "reaper/v1"

// ErrMissingProject is returned when credentials name no project.
var ErrMissingProject = errors.New("gcp: project id is required")

// Lister is the read-only surface the plugins use.
type Lister interface {
	// ListDisks returns every disk in the project across all zones.
	ListDisks(ctx context.Context, project string) ([]*compute.Disk, error)
	ListAddresses(ctx context.Context, project, region string) ([]*compute.Address, error)
}

// Mutator is the write surface only the remediator holds. Each method
// returns once the operation is DONE.
type Mutator interface {
	SnapshotDisk(ctx context.Context, project, zone, disk string, snapshot *compute.Snapshot) error
	DeleteDisk(ctx context.Context, project, zone, disk string) error
	DeleteAddress(ctx context.Context, project, region, name string) error
}

// Session is the Compute Engine client bundle for one project.
type Session struct {
	ProjectID string
	Compute   Lister
	service   *compute.Service
}

// NewService builds a Compute Engine client from connection credentials,
// falling back to application default credentials.
func NewService(ctx context.Context, creds scanner.Credentials, opts ...option.ClientOption) (*compute.Service, error) {
	opts = append([]option.ClientOption{option.WithUserAgent(userAgent)}, opts...)
	if creds.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds.CredentialsJSON)))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("compute service: %w", err)
	}
	return svc, nil
}

// NewSession connects to the project named by creds.
func NewSession(ctx context.Context, creds scanner.Credentials, opts ...option.ClientOption) (*Session, error) {
	if creds.ProjectID == "" {
		return nil, ErrMissingProject
	}
	svc, err := NewService(ctx, creds, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{ProjectID: creds.ProjectID, Compute: &Client{Service: svc}, service: svc}, nil
}

// Detector connects GCP projects for the orchestrator.
type Detector struct {
	Options []option.ClientOption
}

func (Detector) ProviderName() resources.Provider { return resources.ProviderGCP }

func (d Detector) Connect(ctx context.Context, creds scanner.Credentials, region string) (scanner.Session, error) {
	return NewSession(ctx, creds, d.Options...)
}

func sessionFrom(in scanner.Input) (*Session, error) {
	s, ok := in.Session.(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("gcp: unexpected session type %T", in.Session)
	}
	return s, nil
}

// Client implements Lister and Mutator over the compute/v1 API.
type Client struct {
	Service *compute.Service
	// PollInterval spaces operation waits. Default: 2s.
	PollInterval time.Duration
}

func (c *Client) ListDisks(ctx context.Context, project string) ([]*compute.Disk, error) {
	var out []*compute.Disk
	err := c.Service.Disks.AggregatedList(project).Context(ctx).Pages(ctx, func(page *compute.DiskAggregatedList) error {
		for _, scoped := range page.Items {
			out = append(out, scoped.Disks...)
		}
		return nil
	})
	return out, classify(err)
}

func (c *Client) ListAddresses(ctx context.Context, project, region string) ([]*compute.Address, error) {
	var out []*compute.Address
	err := c.Service.Addresses.List(project, region).Context(ctx).Pages(ctx, func(page *compute.AddressList) error {
		out = append(out, page.Items...)
		return nil
	})
	return out, classify(err)
}

func (c *Client) SnapshotDisk(ctx context.Context, project, zone, disk string, snapshot *compute.Snapshot) error {
	op, err := c.Service.Disks.CreateSnapshot(project, zone, disk, snapshot).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return c.waitZone(ctx, project, zone, op)
}

func (c *Client) DeleteDisk(ctx context.Context, project, zone, disk string) error {
	op, err := c.Service.Disks.Delete(project, zone, disk).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return c.waitZone(ctx, project, zone, op)
}

func (c *Client) DeleteAddress(ctx context.Context, project, region, name string) error {
	op, err := c.Service.Addresses.Delete(project, region, name).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	opName := op.Name
	for op.Status != "DONE" {
		if err := c.pause(ctx); err != nil {
			return err
		}
		if op, err = c.Service.RegionOperations.Get(project, region, opName).Context(ctx).Do(); err != nil {
			return fmt.Errorf("get operation %s: %w", opName, classify(err))
		}
	}
	return operationError(op)
}

func (c *Client) waitZone(ctx context.Context, project, zone string, op *compute.Operation) error {
	name := op.Name
	for op.Status != "DONE" {
		if err := c.pause(ctx); err != nil {
			return err
		}
		var err error
		if op, err = c.Service.ZoneOperations.Get(project, zone, name).Context(ctx).Do(); err != nil {
			return fmt.Errorf("get operation %s: %w", name, classify(err))
		}
	}
	return operationError(op)
}

func (c *Client) pause(ctx context.Context) error {
	d := c.PollInterval
	if d <= 0 {
		d = 2 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func operationError(op *compute.Operation) error {
	if op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		msgs = append(msgs, e.Code+": "+e.Message)
	}
	return fmt.Errorf("operation %s failed: %s", op.Name, strings.Join(msgs, "; "))
}

// classify marks 429 and rateLimitExceeded responses as throttling.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.Is(err, ratelimit.ErrThrottled) || !errors.As(err, &gerr) {
		return err
	}
	if gerr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ratelimit.ErrThrottled, err)
	}
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return fmt.Errorf("%w: %w", ratelimit.ErrThrottled, err)
		}
	}
	return err
}

// lastSegment returns the trailing name of a Compute Engine URL.
func lastSegment(url string) string {
	if i := strings.LastIndex(url, "/"); i >= 0 {
		return url[i+1:]
	}
	return url
}

// zoneRegion maps "us-central1-a" to "us-central1".
func zoneRegion(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}
