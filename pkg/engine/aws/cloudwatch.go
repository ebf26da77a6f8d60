package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
)

// metricQuery names one CloudWatch series over a lookback window.
type metricQuery struct {
	Namespace  string
	Metric     string
	Dimensions map[string]string
	Lookback   time.Duration
}

func (q metricQuery) dimensions() []types.Dimension {
	dims := make([]types.Dimension, 0, len(q.Dimensions))
	for k, v := range q.Dimensions {
		dims = append(dims, types.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}
	return dims
}

// metricStat is an aggregated series. Points is zero when CloudWatch has
// no data for the window, which callers must not read as idle.
type metricStat struct {
	Value  float64
	Points int
}

func fetchMetric(ctx context.Context, in scanner.Input, cw CloudWatchAPI, q metricQuery, stat types.Statistic) (*cloudwatch.GetMetricStatisticsOutput, error) {
	end := in.Config.Clock()
	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(q.Namespace),
		MetricName: aws.String(q.Metric),
		Dimensions: q.dimensions(),
		StartTime:  aws.Time(end.Add(-q.Lookback)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(86400), // Daily data points
		Statistics: []types.Statistic{stat},
	}
	out, err := ratelimit.Call(ctx, in.Config.Limiter, in.Config.Backoff, func(ctx context.Context) (*cloudwatch.GetMetricStatisticsOutput, error) {
		return cw.GetMetricStatistics(ctx, input)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", q.Namespace, q.Metric, err)
	}
	return out, nil
}

// metricMax retrieves the single highest daily maximum.
func metricMax(ctx context.Context, in scanner.Input, cw CloudWatchAPI, q metricQuery) (metricStat, error) {
	out, err := fetchMetric(ctx, in, cw, q, types.StatisticMaximum)
	if err != nil {
		return metricStat{}, err
	}
	var s metricStat
	for _, dp := range out.Datapoints {
		if dp.Maximum == nil {
			continue
		}
		s.Points++
		if *dp.Maximum > s.Value {
			s.Value = *dp.Maximum
		}
	}
	return s, nil
}

// metricSum retrieves the total over the window.
func metricSum(ctx context.Context, in scanner.Input, cw CloudWatchAPI, q metricQuery) (metricStat, error) {
	out, err := fetchMetric(ctx, in, cw, q, types.StatisticSum)
	if err != nil {
		return metricStat{}, err
	}
	var s metricStat
	for _, dp := range out.Datapoints {
		if dp.Sum == nil {
			continue
		}
		s.Points++
		s.Value += *dp.Sum
	}
	return s, nil
}
