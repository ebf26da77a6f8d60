package pricing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
)

// CostAPI is the subset of Cost Explorer used for calibration.
type CostAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

type DiscountCache struct {
	Factor    float64 `json:"factor"`
	Timestamp int64   `json:"timestamp"`
}

// Calibrator derives a discount factor (amortized / unblended EC2 cost) so
// instance estimates reflect savings plans and reservations.
type Calibrator struct {
	api            CostAPI
	logger         *slog.Logger
	cachePath      string
	manualOverride float64
	now            func() time.Time
}

func NewCalibrator(api CostAPI, logger *slog.Logger, cacheDir string, override float64) *Calibrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	return &Calibrator{
		api:            api,
		logger:         logger,
		cachePath:      filepath.Join(cacheDir, "discounts.json"),
		manualOverride: override,
		now:            time.Now,
	}
}

// GetDiscountFactor retrieves the calibration factor. It fails open to the
// manual override, then to 1.0.
func (c *Calibrator) GetDiscountFactor(ctx context.Context) float64 {
	if factor, ok := c.loadCache(); ok {
		return factor
	}

	factor, err := c.fetch(ctx)
	if err != nil {
		if c.manualOverride > 0 {
			c.logger.Warn("Calibration failed, using manual override", "error", err, "override", c.manualOverride)
			return c.manualOverride
		}
		c.logger.Warn("Calibration failed, using standard list prices", "error", err)
		return 1.0
	}

	c.saveCache(factor)
	return factor
}

func (c *Calibrator) loadCache() (float64, bool) {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return 1.0, false
	}

	var cache DiscountCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return 1.0, false
	}

	// Check TTL (24h).
	if c.now().Sub(time.Unix(cache.Timestamp, 0)) > 24*time.Hour {
		return 1.0, false
	}
	return cache.Factor, true
}

func (c *Calibrator) saveCache(factor float64) {
	cache := DiscountCache{
		Factor:    factor,
		Timestamp: c.now().Unix(),
	}
	data, _ := json.MarshalIndent(cache, "", "  ")
	_ = os.MkdirAll(filepath.Dir(c.cachePath), 0o755)
	_ = os.WriteFile(c.cachePath, data, 0o644)
}

func (c *Calibrator) fetch(ctx context.Context) (float64, error) {
	if c.api == nil {
		return 1.0, errNoCostAPI
	}

	end := c.now().Format("2006-01-02")
	start := c.now().AddDate(0, 0, -7).Format("2006-01-02")

	result, err := c.api.GetCostAndUsage(ctx, &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start),
			End:   aws.String(end),
		},
		Granularity: types.GranularityDaily,
		Metrics:     []string{"AmortizedCost", "UnblendedCost"},
		Filter: &types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.DimensionService,
				Values: []string{"Amazon Elastic Compute Cloud - Compute"},
			},
		},
	})
	if err != nil {
		return 1.0, err
	}

	var totalAmortized, totalUnblended float64
	for _, byTime := range result.ResultsByTime {
		if amt, ok := byTime.Total["AmortizedCost"]; ok {
			totalAmortized += parseAmount(amt.Amount)
		}
		if amt, ok := byTime.Total["UnblendedCost"]; ok {
			totalUnblended += parseAmount(amt.Amount)
		}
	}

	if totalUnblended == 0 {
		return 1.0, nil
	}

	factor := totalAmortized / totalUnblended
	// Sanity check factor range.
	if factor > 1.5 || factor < 0.1 {
		return 1.0, nil
	}

	c.logger.Info("Calibrated Discount Factor", "factor", factor, "source", "aws_cost_explorer")
	return factor, nil
}

type calibrationError string

func (e calibrationError) Error() string { return string(e) }

const errNoCostAPI = calibrationError("no cost explorer client configured")

func parseAmount(s *string) float64 {
	if s == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(*s, 64)
	return f
}
