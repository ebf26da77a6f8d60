package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"

	"github.com/DrSkyle/reaper/pkg/resources"
)

// PriceAPI is the subset of the AWS Price List API the client uses.
type PriceAPI interface {
	GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

type PriceRecord struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Client wraps the AWS Pricing API with a TTL cache persisted to disk.
type Client struct {
	logger         *slog.Logger
	svc            PriceAPI
	cache          map[string]PriceRecord
	mu             sync.RWMutex
	cachePath      string
	ttl            time.Duration
	discountFactor float64
	now            func() time.Time
}

// DefaultCacheTTL is how long a fetched list price is trusted.
const DefaultCacheTTL = 15 * 24 * time.Hour

// NewClient initializes the pricing client against the us-east-1 Price List
// endpoint. The discount factor comes from cal; pass nil for list prices.
func NewClient(ctx context.Context, logger *slog.Logger, cacheDir string, cal *Calibrator) (*Client, error) {
	// Use us-east-1 for global pricing queries.
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}

	factor := 1.0
	if cal != nil {
		factor = cal.GetDiscountFactor(ctx)
	}
	return NewClientWithAPI(pricing.NewFromConfig(cfg), logger, cacheDir, factor), nil
}

// NewClientWithAPI builds a client around an existing API implementation.
func NewClientWithAPI(api PriceAPI, logger *slog.Logger, cacheDir string, discountFactor float64) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cacheDir == "" {
		cacheDir = os.TempDir()
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		logger.Warn("pricing cache dir unavailable", "dir", cacheDir, "error", err)
	}
	if discountFactor <= 0 {
		discountFactor = 1.0
	}

	c := &Client{
		logger:         logger,
		svc:            api,
		cache:          make(map[string]PriceRecord),
		cachePath:      filepath.Join(cacheDir, "pricing.json"),
		ttl:            DefaultCacheTTL,
		discountFactor: discountFactor,
		now:            time.Now,
	}
	c.loadCache()
	return c
}

func (c *Client) loadCache() {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &c.cache); err != nil {
		c.logger.Warn("ignoring corrupt pricing cache", "path", c.cachePath, "error", err)
		c.cache = make(map[string]PriceRecord)
	}
}

// saveCache must be called with mu held.
func (c *Client) saveCache() {
	data, err := json.MarshalIndent(c.cache, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.cachePath, data, 0o644); err != nil {
		c.logger.Debug("pricing cache not persisted", "error", err)
	}
}

func (c *Client) cached(key string) (float64, bool) {
	c.mu.RLock()
	record, ok := c.cache[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(time.Unix(record.Timestamp, 0)) >= c.ttl {
		return 0, false
	}
	return record.Price, true
}

func (c *Client) store(key string, price float64) {
	c.mu.Lock()
	c.cache[key] = PriceRecord{Price: price, Timestamp: c.now().Unix()}
	c.saveCache()
	c.mu.Unlock()
}

func (c *Client) lookup(ctx context.Context, key string, fetch func(context.Context) (float64, error)) (float64, error) {
	if price, ok := c.cached(key); ok {
		return price, nil
	}
	price, err := fetch(ctx)
	if err != nil {
		return 0, err
	}
	c.store(key, price)
	return price, nil
}

func ebsKey(region, volumeType string) string { return fmt.Sprintf("ebs-%s-%s", region, volumeType) }

func ec2Key(region, instanceType string) string {
	return fmt.Sprintf("ec2-%s-%s", region, instanceType)
}

func natKey(region string) string { return fmt.Sprintf("nat-%s", region) }

// GetEBSPrice estimates EBS monthly cost.
func (c *Client) GetEBSPrice(ctx context.Context, region, volumeType string, sizeGB int) (float64, error) {
	price, err := c.lookup(ctx, ebsKey(region, volumeType), func(ctx context.Context) (float64, error) {
		return c.fetchEBSPrice(ctx, region, volumeType)
	})
	if err != nil {
		return 0, err
	}
	return price * float64(sizeGB), nil
}

var volumeTypeNames = map[string]string{
	"gp2":      "General Purpose",
	"gp3":      "General Purpose SSD (gp3)",
	"io1":      "Provisioned IOPS SSD",
	"io2":      "Provisioned IOPS SSD (io2)",
	"st1":      "Throughput Optimized HDD",
	"sc1":      "Cold HDD",
	"standard": "Magnetic",
}

func (c *Client) fetchEBSPrice(ctx context.Context, region, volumeType string) (float64, error) {
	volTypeVal, ok := volumeTypeNames[volumeType]
	if !ok {
		return 0, fmt.Errorf("unknown volume type %q", volumeType)
	}
	return c.getProduct(ctx,
		termMatch("productFamily", "Storage"),
		termMatch("serviceCode", "AmazonEC2"),
		termMatch("regionCode", region),
		termMatch("volumeType", volTypeVal),
	)
}

// GetEC2InstancePrice estimates EC2 monthly cost.
func (c *Client) GetEC2InstancePrice(ctx context.Context, region, instanceType string) (float64, error) {
	price, err := c.lookup(ctx, ec2Key(region, instanceType), func(ctx context.Context) (float64, error) {
		return c.getProduct(ctx,
			termMatch("productFamily", "Compute Instance"),
			termMatch("serviceCode", "AmazonEC2"),
			termMatch("regionCode", region),
			termMatch("instanceType", instanceType),
			termMatch("tenancy", "Shared"),
			termMatch("operatingSystem", "Linux"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		)
	})
	if err != nil {
		return 0, err
	}
	return price * HoursPerMonth * c.discountFactor, nil // Assumes 730h/month.
}

// GetNATGatewayPrice estimates NAT Gateway monthly cost.
func (c *Client) GetNATGatewayPrice(ctx context.Context, region string) (float64, error) {
	// Short timeout check.
	tCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	price, err := c.lookup(tCtx, natKey(region), func(ctx context.Context) (float64, error) {
		return c.getProduct(ctx,
			termMatch("serviceCode", "AmazonEC2"),
			termMatch("regionCode", region),
			termMatch("productFamily", "NAT Gateway"),
		)
	})
	if err != nil {
		return 0, err
	}
	return price * HoursPerMonth, nil
}

// Prefetch warms the cache for the given region. Failures are logged and
// leave the catalog fallback in place.
func (c *Client) Prefetch(ctx context.Context, region string, volumeTypes, instanceTypes []string) {
	for _, vt := range volumeTypes {
		if _, err := c.GetEBSPrice(ctx, region, vt, 1); err != nil {
			c.logger.Debug("ebs price prefetch failed", "region", region, "volume_type", vt, "error", err)
		}
	}
	for _, it := range instanceTypes {
		if _, err := c.GetEC2InstancePrice(ctx, region, it); err != nil {
			c.logger.Debug("ec2 price prefetch failed", "region", region, "instance_type", it, "error", err)
		}
	}
	if _, err := c.GetNATGatewayPrice(ctx, region); err != nil {
		c.logger.Debug("nat price prefetch failed", "region", region, "error", err)
	}
}

// Estimator returns an Estimator that answers from this client's cache and
// defers to fallback on a miss. It never calls the API.
func (c *Client) Estimator(fallback Estimator) Estimator {
	return EstimatorFunc(func(provider resources.Provider, resourceType, size, region string) float64 {
		if provider == resources.ProviderAWS {
			class, qty := ParseSize(size)
			switch resourceType {
			case resources.EC2Volume:
				if p, ok := c.cached(ebsKey(region, class)); ok {
					return round2(p * qty)
				}
			case resources.EC2Instance:
				if p, ok := c.cached(ec2Key(region, class)); ok {
					return round2(p * HoursPerMonth * c.discountFactor)
				}
			case resources.EC2NatGateway:
				if p, ok := c.cached(natKey(region)); ok {
					return round2(p * HoursPerMonth)
				}
			}
		}
		return fallback.EstimateMonthlyWaste(provider, resourceType, size, region)
	})
}

func termMatch(field, value string) types.Filter {
	return types.Filter{
		Type:  types.FilterTypeTermMatch,
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

func (c *Client) getProduct(ctx context.Context, filters ...types.Filter) (float64, error) {
	out, err := c.svc.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters:     filters,
		MaxResults:  aws.Int32(1), // Retrieve single match
	})
	if err != nil {
		return 0, err
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("no pricing found for filters %d", len(filters))
	}
	return parsePriceFromJSON(out.PriceList[0])
}

func parsePriceFromJSON(jsonStr string) (float64, error) {
	// Pricing JSON structures.
	type PriceDimension struct {
		PricePerUnit map[string]string `json:"pricePerUnit"`
	}
	type Term struct {
		PriceDimensions map[string]PriceDimension `json:"priceDimensions"`
	}
	type Product struct {
		Terms map[string]map[string]Term `json:"terms"` // OnDemand -> SKU -> Term
	}

	var p Product
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return 0, err
	}

	if onDemand, ok := p.Terms["OnDemand"]; ok {
		for _, term := range onDemand {
			for _, dim := range term.PriceDimensions {
				if valStr, ok := dim.PricePerUnit["USD"]; ok {
					val, err := strconv.ParseFloat(valStr, 64)
					if err == nil {
						return val, nil
					}
				}
			}
		}
	}
	return 0, fmt.Errorf("price not found in JSON")
}
