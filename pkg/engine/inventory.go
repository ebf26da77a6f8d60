package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DrSkyle/reaper/pkg/config"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// ErrUnknownConnection is returned for a connection not in the inventory.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrRegionRequired is returned for an Azure or GCP connection that names no
// regions. Reports are scoped to one region, so there is no implicit default
// outside AWS.
var ErrRegionRequired = errors.New("regions are required for azure and gcp connections")

// Connection is one tenant's cloud account plus the regions to sweep.
// tenant_id inside the credentials is the Azure AD tenant, so the owning
// tenant is keyed as "tenant".
type Connection struct {
	Tenant              string   `yaml:"tenant"`
	Regions             []string `yaml:"regions"`
	scanner.Credentials `yaml:",inline"`
}

// Inventory is a static CredentialProvider read from a YAML file:
//
//	connections:
//	  - tenant: acme
//	    connection_id: prod
//	    provider: aws
//	    role_arn: arn:aws:iam::123456789012:role/reaper
//	    external_id: ${ACME_EXTERNAL_ID}
//	    regions: [us-east-1, eu-west-1]
//
// ${VAR} references are expanded from the environment so secrets stay out
// of the file.
type Inventory struct {
	Connections []Connection `yaml:"connections"`
}

// LoadInventory reads and validates an inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	seen := make(map[string]bool, len(inv.Connections))
	for i, c := range inv.Connections {
		switch {
		case c.Tenant == "":
			return nil, fmt.Errorf("connection %d: tenant is required", i)
		case c.ConnectionID == "":
			return nil, fmt.Errorf("connection %d: connection_id is required", i)
		case !c.Provider.Valid():
			return nil, fmt.Errorf("connection %s: unknown provider %q", c.ConnectionID, c.Provider)
		}
		key := c.Tenant + "/" + c.ConnectionID
		if seen[key] {
			return nil, fmt.Errorf("connection %s: duplicate for tenant %s", c.ConnectionID, c.Tenant)
		}
		seen[key] = true
		if len(c.Regions) == 0 {
			if c.Provider != resources.ProviderAWS {
				return nil, fmt.Errorf("connection %s: %w", c.ConnectionID, ErrRegionRequired)
			}
			inv.Connections[i].Regions = []string{config.DefaultRegion}
		}
		for _, r := range c.Regions {
			if strings.TrimSpace(r) == "" {
				return nil, fmt.Errorf("connection %s: empty region", c.ConnectionID)
			}
		}
	}
	return &inv, nil
}

func (inv *Inventory) Credentials(_ context.Context, tenantID, connectionID string, provider resources.Provider) (scanner.Credentials, error) {
	for _, c := range inv.Connections {
		if c.Tenant == tenantID && c.ConnectionID == connectionID {
			if provider != "" && c.Provider != provider {
				return scanner.Credentials{}, fmt.Errorf("connection %s is %s, not %s", connectionID, c.Provider, provider)
			}
			return c.Credentials, nil
		}
	}
	return scanner.Credentials{}, fmt.Errorf("%w: %s/%s", ErrUnknownConnection, tenantID, connectionID)
}

// Targets lists every connection as a sweep target, optionally limited to
// one tenant.
func (inv *Inventory) Targets(tenantID string) []scanner.Target {
	var out []scanner.Target
	for _, c := range inv.Connections {
		if tenantID != "" && !strings.EqualFold(c.Tenant, tenantID) {
			continue
		}
		out = append(out, scanner.Target{
			TenantID:     c.Tenant,
			ConnectionID: c.ConnectionID,
			Provider:     c.Provider,
			Regions:      append([]string(nil), c.Regions...),
		})
	}
	return out
}

// AmbientCredentials hands every connection the process's own identity:
// the default AWS chain, DefaultAzureCredential, or Application Default
// Credentials. Azure and GCP still need a subscription or project, read from
// AZURE_SUBSCRIPTION_ID and GOOGLE_CLOUD_PROJECT.
type AmbientCredentials struct{}

func (AmbientCredentials) Credentials(_ context.Context, _, connectionID string, provider resources.Provider) (scanner.Credentials, error) {
	c := scanner.Credentials{ConnectionID: connectionID, Provider: provider}
	switch provider {
	case resources.ProviderAWS:
		c.Profile = os.Getenv("AWS_PROFILE")
	case resources.ProviderAzure:
		c.TenantID = os.Getenv("AZURE_TENANT_ID")
		c.SubscriptionID = os.Getenv("AZURE_SUBSCRIPTION_ID")
	case resources.ProviderGCP:
		c.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	return c, nil
}
