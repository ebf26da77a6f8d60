package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// IdleRedshiftClusters finds available clusters nobody connected to
// during the lookback window.
type IdleRedshiftClusters struct{}

func (*IdleRedshiftClusters) CategoryKey() string { return "idle_redshift_clusters" }

func (*IdleRedshiftClusters) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleDatabase
	now := in.Config.Clock()

	input := &redshift.DescribeClustersInput{}
	var clusters []types.Cluster
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*redshift.DescribeClustersOutput, *string, error) {
		input.Marker = token
		out, err := s.Redshift.DescribeClusters(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.Marker, nil
	}, func(out *redshift.DescribeClustersOutput) {
		clusters = append(clusters, out.Clusters...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe clusters: %w", err)
	}

	var out []resources.Candidate
	for _, cluster := range clusters {
		if aws.ToString(cluster.ClusterStatus) != "available" || !olderThan(now, cluster.ClusterCreateTime, th.Lookback) {
			continue
		}
		id := aws.ToString(cluster.ClusterIdentifier)
		conns, err := metricMax(ctx, in, s.CloudWatch, metricQuery{
			Namespace:  "AWS/Redshift",
			Metric:     "DatabaseConnections",
			Dimensions: map[string]string{"ClusterIdentifier": id},
			Lookback:   th.Lookback,
		})
		if err != nil {
			return nil, err
		}
		if conns.Points == 0 || conns.Value > th.ConnectionThreshold {
			continue
		}

		nodeType := aws.ToString(cluster.NodeType)
		nodes := max(aws.ToInt32(cluster.NumberOfNodes), 1)
		out = append(out, resources.Candidate{
			ResourceID:          id,
			ResourceName:        id,
			ResourceType:        resources.RedshiftCluster,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.RedshiftCluster, pricing.FormatSize(nodeType, float64(nodes)), in.Region),
			ConfidenceScore:     0.9,
			SupportsBackup:      true,
			RecommendedAction:   resources.ActionDeleteRedshiftCluster,
			ExplainabilityNotes: fmt.Sprintf("%d-node %s cluster saw at most %.0f connections in %d days", nodes, nodeType, conns.Value, int(th.Lookback.Hours()/24)),
			Tags:                tagMap(cluster.Tags, func(t types.Tag) (*string, *string) { return t.Key, t.Value }),
			CreatedAt:           timePtr(cluster.ClusterCreateTime),
			Metadata: map[string]string{
				"node_type": nodeType,
				"nodes":     fmt.Sprint(nodes),
			},
		})
	}
	return out, nil
}
