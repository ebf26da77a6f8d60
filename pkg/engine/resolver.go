package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsprovider "github.com/DrSkyle/reaper/pkg/engine/aws"
	azureprovider "github.com/DrSkyle/reaper/pkg/engine/azure"
	gcpprovider "github.com/DrSkyle/reaper/pkg/engine/gcp"
	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// ProviderResolver builds a provider remediator for a request from the
// credentials of the request's connection. Credentials are resolved per
// request so short-lived ones are always fresh.
type ProviderResolver struct {
	Credentials scanner.CredentialProvider
	AWSOptions  []awsprovider.SessionOption
	Backoff     ratelimit.BackoffConfig
	Estimator   pricing.Estimator
	Logger      *slog.Logger
	Now         func() time.Time
}

func (r *ProviderResolver) Remediator(ctx context.Context, req *remediation.Request) (remediation.Remediator, error) {
	creds, err := r.Credentials.Credentials(ctx, req.TenantID, req.ConnectionID, req.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if creds.Provider == "" {
		creds.Provider = req.Provider
	}
	if creds.ConnectionID == "" {
		creds.ConnectionID = req.ConnectionID
	}
	log := r.logger().With("provider", req.Provider, "connection_id", req.ConnectionID, "region", req.Region)

	switch req.Provider {
	case resources.ProviderAWS:
		cfg, err := awsprovider.LoadConfig(ctx, creds, req.Region, r.AWSOptions...)
		if err != nil {
			return nil, err
		}
		rem := awsprovider.NewRemediator(cfg)
		rem.Logger = log
		rem.Backoff = r.Backoff
		rem.Now = r.Now
		if r.Estimator != nil {
			rem.Estimator = r.Estimator
		}
		return rem, nil

	case resources.ProviderAzure:
		s, err := azureprovider.NewSession(ctx, creds)
		if err != nil {
			return nil, err
		}
		rem, err := azureprovider.NewRemediator(s)
		if err != nil {
			return nil, err
		}
		rem.Logger = log
		rem.Backoff = r.Backoff
		rem.Now = r.Now
		if r.Estimator != nil {
			rem.Estimator = r.Estimator
		}
		return rem, nil

	case resources.ProviderGCP:
		s, err := gcpprovider.NewSession(ctx, creds)
		if err != nil {
			return nil, err
		}
		rem := gcpprovider.NewRemediator(s)
		rem.Logger = log
		rem.Backoff = r.Backoff
		rem.Now = r.Now
		if r.Estimator != nil {
			rem.Estimator = r.Estimator
		}
		return rem, nil
	}
	return nil, fmt.Errorf("no remediator for provider %q", req.Provider)
}

func (r *ProviderResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
