package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// IdleLoadBalancers finds application and network load balancers that
// served no traffic across the lookback window.
type IdleLoadBalancers struct{}

func (*IdleLoadBalancers) CategoryKey() string { return "idle_load_balancers" }

// metricDimension turns an LB ARN into the CloudWatch LoadBalancer
// dimension, e.g. "app/web/50dc6c495c0c9188".
func metricDimension(arn string) string {
	if i := strings.Index(arn, ":loadbalancer/"); i >= 0 {
		return arn[i+len(":loadbalancer/"):]
	}
	return arn
}

func (*IdleLoadBalancers) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleLoadBalancer
	now := in.Config.Clock()

	input := &elbv2.DescribeLoadBalancersInput{}
	var lbs []types.LoadBalancer
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*elbv2.DescribeLoadBalancersOutput, *string, error) {
		input.Marker = token
		out, err := s.ELB.DescribeLoadBalancers(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextMarker, nil
	}, func(out *elbv2.DescribeLoadBalancersOutput) {
		lbs = append(lbs, out.LoadBalancers...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe load balancers: %w", err)
	}

	cost := in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.LoadBalancer, "", in.Region)
	var idle []types.LoadBalancer
	var totals []float64
	for _, lb := range lbs {
		if lb.State != nil && lb.State.Code != types.LoadBalancerStateEnumActive {
			continue
		}
		if !olderThan(now, lb.CreatedTime, th.Lookback) {
			continue
		}
		var q metricQuery
		switch lb.Type {
		case types.LoadBalancerTypeEnumApplication:
			q = metricQuery{Namespace: "AWS/ApplicationELB", Metric: "RequestCount"}
		case types.LoadBalancerTypeEnumNetwork:
			q = metricQuery{Namespace: "AWS/NetworkELB", Metric: "NewFlowCount"}
		default:
			continue
		}
		q.Dimensions = map[string]string{"LoadBalancer": metricDimension(aws.ToString(lb.LoadBalancerArn))}
		q.Lookback = th.Lookback

		// CloudWatch publishes no datapoints for a balancer with no
		// traffic, so an empty series counts as zero here.
		st, err := metricSum(ctx, in, s.CloudWatch, q)
		if err != nil {
			return nil, err
		}
		if st.Value > th.RequestThreshold {
			continue
		}
		idle = append(idle, lb)
		totals = append(totals, st.Value)
	}
	if len(idle) == 0 {
		return nil, nil
	}

	tags, err := loadBalancerTags(ctx, in, s.ELB, idle)
	if err != nil {
		return nil, err
	}

	out := make([]resources.Candidate, 0, len(idle))
	for i, lb := range idle {
		arn := aws.ToString(lb.LoadBalancerArn)
		out = append(out, resources.Candidate{
			ResourceID:          arn,
			ResourceName:        aws.ToString(lb.LoadBalancerName),
			ResourceType:        resources.LoadBalancer,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: cost,
			ConfidenceScore:     0.9,
			RecommendedAction:   resources.ActionDeleteLoadBalancer,
			ExplainabilityNotes: fmt.Sprintf("%s load balancer handled %.0f requests in %d days", lb.Type, totals[i], int(th.Lookback.Hours()/24)),
			Tags:                tags[arn],
			CreatedAt:           timePtr(lb.CreatedTime),
			Metadata: map[string]string{
				"type":     string(lb.Type),
				"dns_name": aws.ToString(lb.DNSName),
				"vpc_id":   aws.ToString(lb.VpcId),
			},
		})
	}
	return out, nil
}

// loadBalancerTags fetches tags 20 ARNs at a time, the API maximum.
func loadBalancerTags(ctx context.Context, in scanner.Input, api ELBAPI, lbs []types.LoadBalancer) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(lbs))
	for start := 0; start < len(lbs); start += 20 {
		end := min(start+20, len(lbs))
		arns := make([]string, 0, end-start)
		for _, lb := range lbs[start:end] {
			arns = append(arns, aws.ToString(lb.LoadBalancerArn))
		}
		resp, err := call(ctx, in, func(ctx context.Context) (*elbv2.DescribeTagsOutput, error) {
			return api.DescribeTags(ctx, &elbv2.DescribeTagsInput{ResourceArns: arns})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe load balancer tags: %w", err)
		}
		for _, d := range resp.TagDescriptions {
			out[aws.ToString(d.ResourceArn)] = tagMap(d.Tags, func(t types.Tag) (*string, *string) { return t.Key, t.Value })
		}
	}
	return out, nil
}
