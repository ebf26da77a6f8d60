package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"

	"github.com/DrSkyle/reaper/pkg/resources"
)

const gp3PriceJSON = `{"terms":{"OnDemand":{"SKU.TERM":{"priceDimensions":{"SKU.TERM.DIM":{"pricePerUnit":{"USD":"0.0800000000"}}}}}}}`

const m5PriceJSON = `{"terms":{"OnDemand":{"SKU.TERM":{"priceDimensions":{"SKU.TERM.DIM":{"pricePerUnit":{"USD":"0.0960000000"}}}}}}}`

type MockPriceAPI struct {
	Calls    int
	Response string
	Err      error
}

func (m *MockPriceAPI) GetProducts(ctx context.Context, params *pricing.GetProductsInput, optFns ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	return &pricing.GetProductsOutput{PriceList: []string{m.Response}}, nil
}

func TestCatalogEstimates(t *testing.T) {
	c := NewCatalog()
	tests := []struct {
		name     string
		provider resources.Provider
		rtype    string
		size     string
		region   string
		want     float64
	}{
		{"gp3 volume", resources.ProviderAWS, resources.EC2Volume, "gp3:100", "us-east-1", 8.00},
		{"unknown volume class uses default", resources.ProviderAWS, resources.EC2Volume, "gp9:10", "us-east-1", 1.00},
		{"eip", resources.ProviderAWS, resources.EC2EIP, "", "us-east-1", 3.65},
		{"nat", resources.ProviderAWS, resources.EC2NatGateway, "", "us-east-1", 32.85},
		{"m5.large", resources.ProviderAWS, resources.EC2Instance, "m5.large", "us-east-1", 70.08},
		{"redshift two nodes", resources.ProviderAWS, resources.RedshiftCluster, "dc2.large:2", "us-east-1", 365.00},
		{"regional multiplier", resources.ProviderAWS, resources.EC2Volume, "gp2:10", "sa-east-1", 1.50},
		{"azure disk", resources.ProviderAzure, resources.AzureManagedDisk, "Standard_LRS:128", "eastus", 5.76},
		{"gcp address", resources.ProviderGCP, resources.GCPAddress, "", "us-central1", 7.30},
		{"empty bucket", resources.ProviderAWS, resources.S3Bucket, "", "us-east-1", 0},
		{"unknown type", resources.ProviderAWS, "AWS::Foo::Bar", "", "us-east-1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.EstimateMonthlyWaste(tt.provider, tt.rtype, tt.size, tt.region); got != tt.want {
				t.Errorf("EstimateMonthlyWaste() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in    string
		class string
		qty   float64
	}{
		{"gp3:100", "gp3", 100},
		{"100", "", 100},
		{"m5.large", "m5.large", 1},
		{"", "", 0},
		{"ml.m5.large:2", "ml.m5.large", 2},
	}
	for _, tt := range tests {
		class, qty := ParseSize(tt.in)
		if class != tt.class || qty != tt.qty {
			t.Errorf("ParseSize(%q) = (%q, %v), want (%q, %v)", tt.in, class, qty, tt.class, tt.qty)
		}
	}
	if got := FormatSize("gp3", 100); got != "gp3:100" {
		t.Errorf("FormatSize = %q", got)
	}
}

func TestPricingCache(t *testing.T) {
	tmpDir := t.TempDir()
	api := &MockPriceAPI{Response: m5PriceJSON}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	c := NewClientWithAPI(api, nil, tmpDir, 1.0)
	c.now = func() time.Time { return now }

	// Miss fetches and persists.
	price, err := c.GetEC2InstancePrice(context.Background(), "us-east-1", "m5.large")
	if err != nil {
		t.Fatalf("GetEC2InstancePrice: %v", err)
	}
	hourly := 0.096
	if want := hourly * HoursPerMonth; price != want {
		t.Errorf("price = %v, want %v", price, want)
	}

	// Hit does not call the API.
	if _, err := c.GetEC2InstancePrice(context.Background(), "us-east-1", "m5.large"); err != nil {
		t.Fatal(err)
	}
	if api.Calls != 1 {
		t.Errorf("API called %d times, want 1", api.Calls)
	}

	// Expired entry triggers a refetch.
	now = now.Add(DefaultCacheTTL + time.Hour)
	if _, err := c.GetEC2InstancePrice(context.Background(), "us-east-1", "m5.large"); err != nil {
		t.Fatal(err)
	}
	if api.Calls != 2 {
		t.Errorf("API called %d times after expiry, want 2", api.Calls)
	}

	// Persistence Test
	if _, err := os.Stat(filepath.Join(tmpDir, "pricing.json")); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	c2 := NewClientWithAPI(&MockPriceAPI{Err: errors.New("offline")}, nil, tmpDir, 1.0)
	c2.now = func() time.Time { return now }
	if _, err := c2.GetEC2InstancePrice(context.Background(), "us-east-1", "m5.large"); err != nil {
		t.Errorf("second client should answer from the persisted cache: %v", err)
	}
}

func TestClientEstimatorOverlay(t *testing.T) {
	api := &MockPriceAPI{Response: gp3PriceJSON}
	c := NewClientWithAPI(api, nil, t.TempDir(), 1.0)

	est := c.Estimator(NewCatalog())

	// Miss falls back to the catalog without calling the API.
	if got := est.EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Volume, "gp3:50", "eu-west-1"); got != 4.00 {
		t.Errorf("fallback estimate = %v, want 4", got)
	}
	if api.Calls != 0 {
		t.Fatalf("estimator must not call the API, calls=%d", api.Calls)
	}

	c.Prefetch(context.Background(), "eu-west-1", []string{"gp3"}, nil)
	if got := est.EstimateMonthlyWaste(resources.ProviderAWS, resources.EC2Volume, "gp3:50", "eu-west-1"); got != 4.00 {
		t.Errorf("cached estimate = %v, want 4", got)
	}
}

func TestParsePriceFromJSON(t *testing.T) {
	if p, err := parsePriceFromJSON(gp3PriceJSON); err != nil || p != 0.08 {
		t.Errorf("parsePriceFromJSON = %v, %v", p, err)
	}
	if _, err := parsePriceFromJSON(`{"terms":{}}`); err == nil {
		t.Error("expected error when no OnDemand term is present")
	}
}

type MockCostAPI struct {
	Amortized, Unblended string
	Err                  error
}

func (m *MockCostAPI) GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &costexplorer.GetCostAndUsageOutput{
		ResultsByTime: []cetypes.ResultByTime{{
			Total: map[string]cetypes.MetricValue{
				"AmortizedCost": {Amount: aws.String(m.Amortized)},
				"UnblendedCost": {Amount: aws.String(m.Unblended)},
			},
		}},
	}, nil
}

func TestCalibrator(t *testing.T) {
	tests := []struct {
		name     string
		api      CostAPI
		override float64
		want     float64
	}{
		{"savings plan discount", &MockCostAPI{Amortized: "70", Unblended: "100"}, 0, 0.7},
		{"suspicious ratio ignored", &MockCostAPI{Amortized: "1", Unblended: "100"}, 0, 1.0},
		{"error uses override", &MockCostAPI{Err: errors.New("AccessDenied")}, 0.8, 0.8},
		{"error without override", &MockCostAPI{Err: errors.New("AccessDenied")}, 0, 1.0},
		{"no client", nil, 0, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := NewCalibrator(tt.api, nil, t.TempDir(), tt.override)
			if got := cal.GetDiscountFactor(context.Background()); got != tt.want {
				t.Errorf("GetDiscountFactor() = %v, want %v", got, tt.want)
			}
		})
	}
}
