package pricing

import (
	"strconv"
	"strings"

	"github.com/DrSkyle/reaper/pkg/resources"
)

// HoursPerMonth is the billing month used to turn hourly rates into monthly cost.
const HoursPerMonth = 730.0

// Estimator prices a resource's monthly waste. Implementations are pure and
// must not perform I/O.
//
// size is provider specific: "<class>:<quantity>" (e.g. "gp3:100" GB,
// "dc2.large:2" nodes), a bare quantity ("100"), or a bare class ("m5.large").
type Estimator interface {
	EstimateMonthlyWaste(provider resources.Provider, resourceType, size, region string) float64
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(provider resources.Provider, resourceType, size, region string) float64

func (f EstimatorFunc) EstimateMonthlyWaste(provider resources.Provider, resourceType, size, region string) float64 {
	return f(provider, resourceType, size, region)
}

// ParseSize splits a size string into its class and quantity. A missing
// quantity is 1.
func ParseSize(size string) (class string, qty float64) {
	size = strings.TrimSpace(size)
	if size == "" {
		return "", 0
	}
	if i := strings.LastIndex(size, ":"); i >= 0 {
		if q, err := strconv.ParseFloat(size[i+1:], 64); err == nil {
			return size[:i], q
		}
		return size, 1
	}
	if q, err := strconv.ParseFloat(size, 64); err == nil {
		return "", q
	}
	return size, 1
}

// FormatSize is the inverse of ParseSize.
func FormatSize(class string, qty float64) string {
	q := strconv.FormatFloat(qty, 'f', -1, 64)
	if class == "" {
		return q
	}
	return class + ":" + q
}

// Catalog is a static list-price table. Prices are USD, us-east-1 (or the
// provider's equivalent) on-demand, scaled by a coarse regional multiplier.
type Catalog struct {
	storagePerGB map[string]map[string]float64 // resource type -> class -> $/GB-month
	hourly       map[string]map[string]float64 // resource type -> class -> $/hour per unit
	fixedHourly  map[string]float64            // resource type -> $/hour
	defaults     map[string]float64            // resource type -> $/hour or $/GB-month when class unknown
	regional     map[string]float64
}

// NewCatalog returns the built-in price table.
func NewCatalog() *Catalog {
	return &Catalog{
		storagePerGB: map[string]map[string]float64{
			resources.EC2Volume: {
				"gp2": 0.10, "gp3": 0.08, "io1": 0.125, "io2": 0.125,
				"st1": 0.045, "sc1": 0.015, "standard": 0.05,
			},
			resources.EC2Snapshot: {"": 0.05, "archive": 0.0125},
			resources.ECRImage:    {"": 0.10},
			resources.AzureManagedDisk: {
				"Premium_LRS": 0.15, "Premium_ZRS": 0.19, "StandardSSD_LRS": 0.075,
				"StandardSSD_ZRS": 0.094, "Standard_LRS": 0.045, "UltraSSD_LRS": 0.12,
				"PremiumV2_LRS": 0.12,
			},
			resources.GCPDisk: {
				"pd-standard": 0.04, "pd-balanced": 0.10, "pd-ssd": 0.17,
				"pd-extreme": 0.125, "hyperdisk-balanced": 0.08,
			},
		},
		hourly: map[string]map[string]float64{
			resources.EC2Instance: {
				"t2.micro": 0.0116, "t3.micro": 0.0104, "t3.small": 0.0208, "t3.medium": 0.0416,
				"t3.large": 0.0832, "m5.large": 0.096, "m5.xlarge": 0.192, "m5.2xlarge": 0.384,
				"m6g.large": 0.077, "c5.large": 0.085, "c5.xlarge": 0.17, "r5.large": 0.126,
				"r5.xlarge": 0.252, "g4dn.xlarge": 0.526,
			},
			resources.RDSInstance: {
				"db.t3.micro": 0.017, "db.t3.small": 0.034, "db.t3.medium": 0.068,
				"db.m5.large": 0.171, "db.m5.xlarge": 0.342, "db.r5.large": 0.25,
				"db.r5.xlarge": 0.50,
			},
			resources.RedshiftCluster: {
				"dc2.large": 0.25, "dc2.8xlarge": 4.80, "ra3.xlplus": 1.086,
				"ra3.4xlarge": 3.26, "ra3.16xlarge": 13.04,
			},
			resources.SageMakerEndpoint: {
				"ml.t2.medium": 0.056, "ml.m5.large": 0.115, "ml.m5.xlarge": 0.23,
				"ml.c5.large": 0.102, "ml.g4dn.xlarge": 0.736,
			},
			resources.AzureVirtualMachine: {
				"Standard_B1s": 0.0104, "Standard_B2s": 0.0416, "Standard_D2s_v3": 0.096,
				"Standard_D4s_v3": 0.192, "Standard_E2s_v3": 0.126, "Standard_F2s_v2": 0.085,
			},
			resources.GCPInstance: {
				"e2-micro": 0.0084, "e2-medium": 0.0335, "e2-standard-2": 0.067,
				"n1-standard-1": 0.0475, "n2-standard-2": 0.0971,
			},
			resources.AzurePublicIP: {"Basic": 0.0036, "Standard": 0.005},
		},
		fixedHourly: map[string]float64{
			resources.EC2EIP:        0.005,
			resources.EC2NatGateway: 0.045,
			resources.LoadBalancer:  0.0225,
			resources.GCPAddress:    0.01,
			resources.S3Bucket:      0,
		},
		defaults: map[string]float64{
			resources.EC2Volume:           0.10,
			resources.EC2Snapshot:         0.05,
			resources.ECRImage:            0.10,
			resources.AzureManagedDisk:    0.075,
			resources.GCPDisk:             0.04,
			resources.EC2Instance:         0.10,
			resources.RDSInstance:         0.20,
			resources.RedshiftCluster:     0.25,
			resources.SageMakerEndpoint:   0.20,
			resources.AzureVirtualMachine: 0.10,
			resources.GCPInstance:         0.05,
			resources.AzurePublicIP:       0.005,
		},
		regional: map[string]float64{
			"sa-east-1":          1.5,
			"ap-northeast-1":     1.25,
			"ap-southeast-1":     1.2,
			"ap-southeast-2":     1.2,
			"eu-central-1":       1.1,
			"brazilsouth":        1.5,
			"japaneast":          1.25,
			"southamerica-east1": 1.5,
			"asia-northeast1":    1.25,
		},
	}
}

// EstimateMonthlyWaste implements Estimator.
func (c *Catalog) EstimateMonthlyWaste(provider resources.Provider, resourceType, size, region string) float64 {
	class, qty := ParseSize(size)
	mult := c.regionMultiplier(region)

	if table, ok := c.storagePerGB[resourceType]; ok {
		per, ok := table[class]
		if !ok {
			per = c.defaults[resourceType]
		}
		return round2(per * qty * mult)
	}

	if table, ok := c.hourly[resourceType]; ok {
		per, ok := table[class]
		if !ok {
			per = c.defaults[resourceType]
		}
		if qty <= 0 {
			qty = 1
		}
		return round2(per * qty * HoursPerMonth * mult)
	}

	if per, ok := c.fixedHourly[resourceType]; ok {
		if qty <= 0 {
			qty = 1
		}
		return round2(per * qty * HoursPerMonth * mult)
	}
	return 0
}

func (c *Catalog) regionMultiplier(region string) float64 {
	if m, ok := c.regional[region]; ok {
		return m
	}
	return 1.0
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
