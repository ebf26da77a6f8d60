package aws

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

func ec2Tags(tags []types.Tag) map[string]string {
	return tagMap(tags, func(t types.Tag) (*string, *string) { return t.Key, t.Value })
}

func describeVolumes(ctx context.Context, in scanner.Input, api EC2API, input *ec2.DescribeVolumesInput) ([]types.Volume, error) {
	var vols []types.Volume
	err := paginate(ctx, in, func(ctx context.Context, token *string) (*ec2.DescribeVolumesOutput, *string, error) {
		input.NextToken = token
		out, err := api.DescribeVolumes(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextToken, nil
	}, func(out *ec2.DescribeVolumesOutput) {
		vols = append(vols, out.Volumes...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe volumes: %w", err)
	}
	return vols, nil
}

func describeInstances(ctx context.Context, in scanner.Input, api EC2API, state types.InstanceStateName) ([]types.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: aws.String("instance-state-name"), Values: []string{string(state)}}},
	}
	var instances []types.Instance
	err := paginate(ctx, in, func(ctx context.Context, token *string) (*ec2.DescribeInstancesOutput, *string, error) {
		input.NextToken = token
		out, err := api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextToken, nil
	}, func(out *ec2.DescribeInstancesOutput) {
		for _, r := range out.Reservations {
			instances = append(instances, r.Instances...)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances: %w", err)
	}
	return instances, nil
}

// UnattachedVolumes finds EBS volumes in the "available" state.
type UnattachedVolumes struct{}

func (*UnattachedVolumes) CategoryKey() string { return "unattached_volumes" }

func (*UnattachedVolumes) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.UnattachedVolume
	minAge := time.Duration(th.UnusedDays) * 24 * time.Hour
	now := in.Config.Clock()

	vols, err := describeVolumes(ctx, in, s.EC2, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{{Name: aws.String("status"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, err
	}

	var out []resources.Candidate
	for _, v := range vols {
		if v.State != types.VolumeStateAvailable || len(v.Attachments) > 0 {
			continue
		}
		tags := ec2Tags(v.Tags)
		if hasAnyTag(tags, th.IgnoreTags) {
			continue
		}
		if v.CreateTime != nil && now.Sub(*v.CreateTime) < minAge {
			continue
		}

		size := aws.ToInt32(v.Size)
		volType := string(v.VolumeType)
		confidence := 0.9
		if olderThan(now, v.CreateTime, 4*minAge) {
			confidence = 0.97
		}

		out = append(out, resources.Candidate{
			ResourceID:          aws.ToString(v.VolumeId),
			ResourceName:        tags["Name"],
			ResourceType:        resources.EC2Volume,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Volume, pricing.FormatSize(volType, float64(size)), in.Region),
			ConfidenceScore:     confidence,
			SupportsBackup:      true,
			RecommendedAction:   resources.ActionDeleteVolume,
			ExplainabilityNotes: fmt.Sprintf("%d GiB %s volume is not attached to any instance (created %d days ago)", size, volType, ageDays(now, v.CreateTime)),
			Tags:                tags,
			CreatedAt:           timePtr(v.CreateTime),
			Metadata: map[string]string{
				"availability_zone": aws.ToString(v.AvailabilityZone),
				"volume_type":       volType,
				"size_gb":           strconv.Itoa(int(size)),
			},
		})
	}
	return out, nil
}

// OldSnapshots finds self-owned snapshots past the age threshold that no
// AMI references.
type OldSnapshots struct{}

func (*OldSnapshots) CategoryKey() string { return "old_snapshots" }

func (*OldSnapshots) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	now := in.Config.Clock()
	threshold := in.Config.Thresholds.OldSnapshot.AgeThreshold

	images, err := call(ctx, in, func(ctx context.Context) (*ec2.DescribeImagesOutput, error) {
		return s.EC2.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe images: %w", err)
	}
	inUse := make(map[string]string)
	for _, img := range images.Images {
		for _, bdm := range img.BlockDeviceMappings {
			if bdm.Ebs != nil && bdm.Ebs.SnapshotId != nil {
				inUse[*bdm.Ebs.SnapshotId] = aws.ToString(img.ImageId)
			}
		}
	}

	vols, err := describeVolumes(ctx, in, s.EC2, &ec2.DescribeVolumesInput{})
	if err != nil {
		return nil, err
	}
	liveVolumes := make(map[string]bool, len(vols))
	for _, v := range vols {
		liveVolumes[aws.ToString(v.VolumeId)] = true
	}

	input := &ec2.DescribeSnapshotsInput{OwnerIds: []string{"self"}}
	var snaps []types.Snapshot
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*ec2.DescribeSnapshotsOutput, *string, error) {
		input.NextToken = token
		out, err := s.EC2.DescribeSnapshots(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextToken, nil
	}, func(out *ec2.DescribeSnapshotsOutput) {
		snaps = append(snaps, out.Snapshots...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe snapshots: %w", err)
	}

	var out []resources.Candidate
	for _, snap := range snaps {
		id := aws.ToString(snap.SnapshotId)
		if _, ok := inUse[id]; ok {
			continue
		}
		if !olderThan(now, snap.StartTime, threshold) {
			continue
		}
		tags := ec2Tags(snap.Tags)
		if retainedBackup(tags, now) {
			continue
		}

		source := aws.ToString(snap.VolumeId)
		confidence := 0.8
		note := fmt.Sprintf("snapshot is %d days old and not referenced by any AMI", ageDays(now, snap.StartTime))
		if source == "" || !liveVolumes[source] {
			confidence = 0.95
			note += "; its source volume no longer exists"
		}
		size := aws.ToInt32(snap.VolumeSize)

		out = append(out, resources.Candidate{
			ResourceID:          id,
			ResourceName:        tags["Name"],
			ResourceType:        resources.EC2Snapshot,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Snapshot, pricing.FormatSize("", float64(size)), in.Region),
			ConfidenceScore:     confidence,
			RecommendedAction:   resources.ActionDeleteSnapshot,
			ExplainabilityNotes: note,
			Tags:                tags,
			CreatedAt:           timePtr(snap.StartTime),
			Metadata: map[string]string{
				"source_volume": source,
				"size_gb":       strconv.Itoa(int(size)),
				"description":   aws.ToString(snap.Description),
			},
		})
	}
	return out, nil
}

// UnassociatedEIPs finds Elastic IPs with no association.
type UnassociatedEIPs struct{}

func (*UnassociatedEIPs) CategoryKey() string { return "unassociated_eips" }

func (*UnassociatedEIPs) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	resp, err := call(ctx, in, func(ctx context.Context) (*ec2.DescribeAddressesOutput, error) {
		return s.EC2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe addresses: %w", err)
	}

	cost := in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2EIP, "", in.Region)
	var out []resources.Candidate
	for _, addr := range resp.Addresses {
		if addr.AssociationId != nil || addr.InstanceId != nil || addr.NetworkInterfaceId != nil {
			continue
		}
		id := aws.ToString(addr.AllocationId)
		if id == "" {
			id = aws.ToString(addr.PublicIp)
		}
		tags := ec2Tags(addr.Tags)
		out = append(out, resources.Candidate{
			ResourceID:          id,
			ResourceName:        aws.ToString(addr.PublicIp),
			ResourceType:        resources.EC2EIP,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: cost,
			ConfidenceScore:     0.99,
			RecommendedAction:   resources.ActionReleaseElasticIP,
			ExplainabilityNotes: fmt.Sprintf("Elastic IP %s is not associated with any instance or network interface", aws.ToString(addr.PublicIp)),
			Tags:                tags,
			Metadata:            map[string]string{"public_ip": aws.ToString(addr.PublicIp)},
		})
	}
	return out, nil
}

// IdleInstances finds running instances whose peak CPU stayed low across
// the lookback window.
type IdleInstances struct{}

func (*IdleInstances) CategoryKey() string { return "idle_instances" }

func (*IdleInstances) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleInstance
	now := in.Config.Clock()

	instances, err := describeInstances(ctx, in, s.EC2, types.InstanceStateNameRunning)
	if err != nil {
		return nil, err
	}

	var out []resources.Candidate
	for _, inst := range instances {
		// Too young to have a full metric window.
		if !olderThan(now, inst.LaunchTime, th.Lookback) {
			continue
		}
		id := aws.ToString(inst.InstanceId)
		cpu, err := metricMax(ctx, in, s.CloudWatch, metricQuery{
			Namespace:  "AWS/EC2",
			Metric:     "CPUUtilization",
			Dimensions: map[string]string{"InstanceId": id},
			Lookback:   th.Lookback,
		})
		if err != nil {
			return nil, err
		}
		if cpu.Points == 0 {
			continue
		}

		instanceType := string(inst.InstanceType)
		cost := in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Instance, instanceType, in.Region)
		tags := ec2Tags(inst.Tags)
		c := resources.Candidate{
			ResourceID:   id,
			ResourceName: tags["Name"],
			ResourceType: resources.EC2Instance,
			Provider:     resources.ProviderAWS,
			Region:       in.Region,
			Tags:         tags,
			CreatedAt:    timePtr(inst.LaunchTime),
			Metadata: map[string]string{
				"instance_type": instanceType,
				"peak_cpu":      strconv.FormatFloat(cpu.Value, 'f', 2, 64),
			},
		}
		days := int(th.Lookback.Hours() / 24)
		switch {
		case cpu.Value < th.CPUThreshold:
			c.RecommendedAction = resources.ActionStopInstance
			c.ConfidenceScore = 0.9
			c.MonthlyCostEstimate = cost
			c.ExplainabilityNotes = fmt.Sprintf("peak CPU %.2f%% over %d days is below %.2f%%", cpu.Value, days, th.CPUThreshold)
		case cpu.Value < 5*th.CPUThreshold:
			c.RecommendedAction = resources.ActionResizeInstance
			c.ConfidenceScore = 0.6
			c.MonthlyCostEstimate = cost / 2
			c.ExplainabilityNotes = fmt.Sprintf("peak CPU %.2f%% over %d days suggests %s is oversized", cpu.Value, days, instanceType)
		default:
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

var stopReasonTime = regexp.MustCompile(`\((\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) GMT\)`)

// stoppedSince parses the timestamp EC2 embeds in StateTransitionReason,
// e.g. "User initiated (2025-01-02 10:11:12 GMT)".
func stoppedSince(reason string) (time.Time, bool) {
	m := stopReasonTime.FindStringSubmatch(reason)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04:05", m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// StoppedInstances finds instances stopped for longer than the threshold;
// they still pay for their EBS storage.
type StoppedInstances struct{}

func (*StoppedInstances) CategoryKey() string { return "stopped_instances" }

func (*StoppedInstances) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	threshold := in.Config.Thresholds.IdleInstance.StoppedThreshold
	now := in.Config.Clock()

	instances, err := describeInstances(ctx, in, s.EC2, types.InstanceStateNameStopped)
	if err != nil {
		return nil, err
	}

	type stopped struct {
		inst  types.Instance
		since time.Time
	}
	var found []stopped
	var ids []string
	for _, inst := range instances {
		since, ok := stoppedSince(aws.ToString(inst.StateTransitionReason))
		if !ok || now.Sub(since) < threshold {
			continue
		}
		found = append(found, stopped{inst: inst, since: since})
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if len(found) == 0 {
		return nil, nil
	}

	storage := make(map[string]float64)
	for start := 0; start < len(ids); start += 200 {
		end := min(start+200, len(ids))
		vols, err := describeVolumes(ctx, in, s.EC2, &ec2.DescribeVolumesInput{
			Filters: []types.Filter{{Name: aws.String("attachment.instance-id"), Values: ids[start:end]}},
		})
		if err != nil {
			return nil, err
		}
		for _, v := range vols {
			cost := in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Volume,
				pricing.FormatSize(string(v.VolumeType), float64(aws.ToInt32(v.Size))), in.Region)
			for _, att := range v.Attachments {
				storage[aws.ToString(att.InstanceId)] += cost
			}
		}
	}

	out := make([]resources.Candidate, 0, len(found))
	for _, f := range found {
		id := aws.ToString(f.inst.InstanceId)
		tags := ec2Tags(f.inst.Tags)
		days := int(now.Sub(f.since).Hours() / 24)
		out = append(out, resources.Candidate{
			ResourceID:          id,
			ResourceName:        tags["Name"],
			ResourceType:        resources.EC2Instance,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: storage[id],
			ConfidenceScore:     0.85,
			RecommendedAction:   resources.ActionTerminateInstance,
			ExplainabilityNotes: fmt.Sprintf("instance has been stopped for %d days; attached storage is still billed", days),
			Tags:                tags,
			CreatedAt:           timePtr(f.inst.LaunchTime),
			Metadata: map[string]string{
				"instance_type": string(f.inst.InstanceType),
				"stopped_since": f.since.Format(time.RFC3339),
			},
		})
	}
	return out, nil
}
