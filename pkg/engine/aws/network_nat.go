package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// IdleNATGateways finds available NAT gateways that moved almost no
// traffic over the lookback window.
type IdleNATGateways struct{}

func (*IdleNATGateways) CategoryKey() string { return "idle_nat_gateways" }

func (*IdleNATGateways) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleNAT
	now := in.Config.Clock()

	input := &ec2.DescribeNatGatewaysInput{
		Filter: []types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	}
	var gateways []types.NatGateway
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*ec2.DescribeNatGatewaysOutput, *string, error) {
		input.NextToken = token
		out, err := s.EC2.DescribeNatGateways(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextToken, nil
	}, func(out *ec2.DescribeNatGatewaysOutput) {
		gateways = append(gateways, out.NatGateways...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe nat gateways: %w", err)
	}

	cost := in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2NatGateway, "", in.Region)
	var out []resources.Candidate
	for _, nat := range gateways {
		if nat.State != types.NatGatewayStateAvailable || !olderThan(now, nat.CreateTime, th.Lookback) {
			continue
		}
		id := aws.ToString(nat.NatGatewayId)

		var total float64
		var points int
		for _, metric := range []string{"BytesOutToDestination", "BytesInFromDestination"} {
			st, err := metricSum(ctx, in, s.CloudWatch, metricQuery{
				Namespace:  "AWS/NATGateway",
				Metric:     metric,
				Dimensions: map[string]string{"NatGatewayId": id},
				Lookback:   th.Lookback,
			})
			if err != nil {
				return nil, err
			}
			total += st.Value
			points += st.Points
		}
		if points == 0 || total >= th.BytesThreshold {
			continue
		}

		tags := ec2Tags(nat.Tags)
		out = append(out, resources.Candidate{
			ResourceID:          id,
			ResourceName:        tags["Name"],
			ResourceType:        resources.EC2NatGateway,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: cost,
			ConfidenceScore:     0.9,
			RecommendedAction:   resources.ActionDeleteNATGateway,
			ExplainabilityNotes: fmt.Sprintf("NAT gateway moved %.0f bytes in %d days", total, int(th.Lookback.Hours()/24)),
			Tags:                tags,
			CreatedAt:           timePtr(nat.CreateTime),
			Metadata: map[string]string{
				"vpc_id":    aws.ToString(nat.VpcId),
				"subnet_id": aws.ToString(nat.SubnetId),
			},
		})
	}
	return out, nil
}
