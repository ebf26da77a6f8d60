package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"

	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// IdleSageMakerEndpoints finds in-service, instance-backed endpoints with
// no invocations across the lookback window.
type IdleSageMakerEndpoints struct{}

func (*IdleSageMakerEndpoints) CategoryKey() string { return "idle_sagemaker_endpoints" }

func (*IdleSageMakerEndpoints) Scan(ctx context.Context, in scanner.Input) ([]resources.Candidate, error) {
	s, err := sessionFrom(in)
	if err != nil {
		return nil, err
	}
	th := in.Config.Thresholds.IdleEndpoint
	now := in.Config.Clock()

	input := &sagemaker.ListEndpointsInput{StatusEquals: types.EndpointStatusInService}
	var endpoints []types.EndpointSummary
	err = paginate(ctx, in, func(ctx context.Context, token *string) (*sagemaker.ListEndpointsOutput, *string, error) {
		input.NextToken = token
		out, err := s.SageMaker.ListEndpoints(ctx, input)
		if err != nil {
			return nil, nil, err
		}
		return out, out.NextToken, nil
	}, func(out *sagemaker.ListEndpointsOutput) {
		endpoints = append(endpoints, out.Endpoints...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	var out []resources.Candidate
	for _, ep := range endpoints {
		if !olderThan(now, ep.CreationTime, th.Lookback) {
			continue
		}
		name := aws.ToString(ep.EndpointName)

		desc, err := call(ctx, in, func(ctx context.Context) (*sagemaker.DescribeEndpointOutput, error) {
			return s.SageMaker.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: ep.EndpointName})
		})
		if err != nil {
			return nil, fmt.Errorf("describe endpoint %s: %w", name, err)
		}
		cfg, err := call(ctx, in, func(ctx context.Context) (*sagemaker.DescribeEndpointConfigOutput, error) {
			return s.SageMaker.DescribeEndpointConfig(ctx, &sagemaker.DescribeEndpointConfigInput{EndpointConfigName: desc.EndpointConfigName})
		})
		if err != nil {
			return nil, fmt.Errorf("describe endpoint config %s: %w", aws.ToString(desc.EndpointConfigName), err)
		}

		var cost, invocations float64
		var serverless bool
		var instanceType string
		for _, v := range cfg.ProductionVariants {
			if v.InstanceType == "" {
				serverless = true
				break
			}
			instanceType = string(v.InstanceType)
			count := max(aws.ToInt32(v.InitialInstanceCount), 1)
			cost += in.Config.Pricing().EstimateMonthlyWaste(resources.ProviderAWS, resources.SageMakerEndpoint,
				pricing.FormatSize(instanceType, float64(count)), in.Region)

			st, err := metricSum(ctx, in, s.CloudWatch, metricQuery{
				Namespace:  "AWS/SageMaker",
				Metric:     "Invocations",
				Dimensions: map[string]string{"EndpointName": name, "VariantName": aws.ToString(v.VariantName)},
				Lookback:   th.Lookback,
			})
			if err != nil {
				return nil, err
			}
			invocations += st.Value
		}
		// Serverless endpoints bill per request and are never idle cost.
		if serverless || invocations > th.InvocationThreshold {
			continue
		}

		var tags map[string]string
		if resp, err := call(ctx, in, func(ctx context.Context) (*sagemaker.ListTagsOutput, error) {
			return s.SageMaker.ListTags(ctx, &sagemaker.ListTagsInput{ResourceArn: ep.EndpointArn})
		}); err == nil {
			tags = tagMap(resp.Tags, func(t types.Tag) (*string, *string) { return t.Key, t.Value })
		}

		out = append(out, resources.Candidate{
			ResourceID:          name,
			ResourceName:        name,
			ResourceType:        resources.SageMakerEndpoint,
			Provider:            resources.ProviderAWS,
			Region:              in.Region,
			MonthlyCostEstimate: cost,
			ConfidenceScore:     0.9,
			RecommendedAction:   resources.ActionDeleteSageMakerEndpoint,
			ExplainabilityNotes: fmt.Sprintf("endpoint received %.0f invocations in %d days", invocations, int(th.Lookback.Hours()/24)),
			Tags:                tags,
			CreatedAt:           timePtr(ep.CreationTime),
			Metadata: map[string]string{
				"endpoint_config": aws.ToString(desc.EndpointConfigName),
				"instance_type":   instanceType,
			},
		})
	}
	return out, nil
}
