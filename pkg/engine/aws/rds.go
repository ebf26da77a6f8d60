package aws

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// IdleRDSInstances finds available DB instances with no (or very few)
// connections over the lookback window. Zero connections suggests a
// delete with a backup; a handful suggests stopping.
type IdleRDSInstances struct{}

func (*IdleRDSInstances) CategoryKey() string { return "idle_rds_instances" }

func (*IdleRDSInstances) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleDatabase
	now := in.Config.Clock()

	input := &rds.DescribeDBInstancesInput{}
	var dbs []types.DBInstance
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*rds.DescribeDBInstancesOutput, *string, error) {
		input.Marker = token
		out, err := s.RDS.DescribeDBInstances(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.Marker, nil
	}, func(out *rds.DescribeDBInstancesOutput) {
		dbs = append(dbs, out.DBInstances...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe db instances: %w", err)
	}

	var out []resources.Candidate
	for _, db := range dbs {
		if aws.ToString(db.DBInstanceStatus) != "available" || !olderThan(now, db.InstanceCreateTime, th.Lookback) {
			continue
		}
		id := aws.ToString(db.DBInstanceIdentifier)
		conns, err := metricMax(ctx, in, s.CloudWatch, metricQuery{
			Namespace:  "AWS/RDS",
			Metric:     "DatabaseConnections",
			Dimensions: map[string]string{"DBInstanceIdentifier": id},
			Lookback:   th.Lookback,
		})
		if err != nil {
			return nil, err
		}
		if conns.Points == 0 || conns.Value > th.ConnectionThreshold {
			continue
		}

		class := aws.ToString(db.DBInstanceClass)
		days := int(th.Lookback.Hours() / 24)
		c := resources.Candidate{
			ResourceID:          id,
			ResourceName:        id,
			ResourceType:        resources.RDSInstance,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.RDSInstance, class, in.Region),
			Tags:                tagMap(db.TagList, func(t types.Tag) (*string, *string) { return t.Key, t.Value }),
			CreatedAt:           timePtr(db.InstanceCreateTime),
			Metadata: map[string]string{
				"engine":            aws.ToString(db.Engine),
				"instance_class":    class,
				"allocated_storage": strconv.Itoa(int(aws.ToInt32(db.AllocatedStorage))),
			},
		}
		switch {
		case db.DBClusterIdentifier != nil:
			// Aurora members are removed through their cluster.
			c.RecommendedAction = resources.ActionManualReview
			c.ConfidenceScore = 0.5
			c.ExplainabilityNotes = fmt.Sprintf("cluster member of %s saw at most %.0f connections in %d days", aws.ToString(db.DBClusterIdentifier), conns.Value, days)
			c.Metadata["cluster"] = aws.ToString(db.DBClusterIdentifier)
		case conns.Value == 0:
			c.RecommendedAction = resources.ActionDeleteRDSInstance
			c.ConfidenceScore = 0.9
			c.SupportsBackup = true
			c.ExplainabilityNotes = fmt.Sprintf("no database connections in %d days", days)
		default:
			c.RecommendedAction = resources.ActionStopRDSInstance
			c.ConfidenceScore = 0.75
			c.ExplainabilityNotes = fmt.Sprintf("peak of %.0f database connections in %d days", conns.Value, days)
		}
		out = append(out, c)
	}
	return out, nil
}
