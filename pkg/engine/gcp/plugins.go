package gcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// RetainUntilLabel marks snapshots the remediator created. Label values
// cannot hold RFC3339, so the value is unix seconds.
const RetainUntilLabel = "reaper-retain-until"

func init() {
	scanner.Default.RegisterDetector(Detector{})
	for _, ctor := range Plugins() {
		scanner.Default.Register(resources.ProviderGCP, ctor)
	}
}

// Plugins lists the constructors of every GCP detection rule.
func Plugins() []scanner.Constructor {
	return []scanner.Constructor{
		func() scanner.Plugin { return &UnattachedDisks{} },
		func() scanner.Plugin { return &UnusedAddresses{} },
	}
}

func parseTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func hasAnyLabel(labels map[string]string, keys []string) bool {
	for _, k := range keys {
		for lk := range labels {
			if strings.EqualFold(lk, k) {
				return true
			}
		}
	}
	return false
}

// UnattachedDisks finds persistent disks with no attached instance.
type UnattachedDisks struct{}

func (*UnattachedDisks) CategoryKey() string { return "unattached_disks" }

func (*UnattachedDisks) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.UnattachedVolume
	now := in.Config.Clock()
	minAge := time.Duration(th.UnusedDays) * 24 * time.Hour

	disks, err := ratelimit.Call(ctx, in.Config.Limiter, in.Config.Backoff, func(ctx context.Context) ([]*compute.Disk, error) {
		return s.Compute.ListDisks(ctx, s.ProjectID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}

	var out []resources.Candidate
	for _, d := range disks {
		if d == nil || len(d.Users) > 0 || d.Status != "READY" {
			continue
		}
		zone := lastSegment(d.Zone)
		region := zoneRegion(zone)
		if in.Region != "" && region != in.Region {
			continue
		}
		if hasAnyLabel(d.Labels, th.IgnoreTags) {
			continue
		}
		created := parseTime(d.CreationTimestamp)
		// A disk detached recently was in use until then.
		idleSince := created
		if detached := parseTime(d.LastDetachTimestamp); detached != nil {
			idleSince = detached
		}
		if idleSince != nil && now.Sub(*idleSince) < minAge {
			continue
		}

		diskType := lastSegment(d.Type)
		confidence := 0.9
		notes := fmt.Sprintf("Persistent disk %s (%d GB, %s) has no attached instances", d.Name, d.SizeGb, diskType)
		if d.LastAttachTimestamp == "" {
			confidence = 0.95
			notes += " and was never attached"
		}

		out = append(out, resources.Candidate{
			ResourceID:   d.SelfLink,
			ResourceName: d.Name,
			ResourceType: resources.GCPDisk,
			Provider:     resources.ProviderGCP,
			Region:       region,
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderGCP,
				resources.GCPDisk, pricing.FormatSize(diskType, float64(d.SizeGb)), region),
			ConfidenceScore:     confidence,
			SupportsBackup:      true,
			RecommendedAction:   resources.ActionDeleteVolume,
			ExplainabilityNotes: notes,
			Tags:                d.Labels,
			CreatedAt:           created,
			Metadata: map[string]string{
				"project": s.ProjectID,
				"zone":    zone,
				"name":    d.Name,
				"type":    diskType,
				"size_gb": strconv.FormatInt(d.SizeGb, 10),
			},
		})
	}
	return out, nil
}

// UnusedAddresses finds external static addresses reserved but bound to
// nothing, which bill hourly.
type UnusedAddresses struct{}

func (*UnusedAddresses) CategoryKey() string { return "unused_addresses" }

func (*UnusedAddresses) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	if in.Region == "" {
		return nil, fmt.Errorf("gcp: region is required to list addresses")
	}

	addrs, err := ratelimit.Call(ctx, in.Config.Limiter, in.Config.Backoff, func(ctx context.Context) ([]*compute.Address, error) {
		return s.Compute.ListAddresses(ctx, s.ProjectID, in.Region)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}

	cost := in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderGCP, resources.GCPAddress, "", in.Region)
	var out []resources.Candidate
	for _, a := range addrs {
		if a == nil || a.Status != "RESERVED" || len(a.Users) > 0 {
			continue
		}
		if a.AddressType != "" && a.AddressType != "EXTERNAL" {
			continue
		}
		out = append(out, resources.Candidate{
			ResourceID:          a.SelfLink,
			ResourceName:        a.Name,
			ResourceType:        resources.GCPAddress,
			Provider:            resources.ProviderGCP,
			Region:              in.Region,
			MonthlyCostEstimate: cost,
			ConfidenceScore:     0.95,
			RecommendedAction:   resources.ActionReleaseElasticIP,
			ExplainabilityNotes: fmt.Sprintf("Static address %s (%s) is reserved but not in use", a.Name, a.Address),
			Tags:                a.Labels,
			CreatedAt:           parseTime(a.CreationTimestamp),
			Metadata: map[string]string{
				"project": s.ProjectID,
				"region":  in.Region,
				"name":    a.Name,
				"address": a.Address,
			},
		})
	}
	return out, nil
}
