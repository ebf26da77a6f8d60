package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/DrSkyle/reaper/pkg/config"
	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/resources"
)

// Plugin defines one detection rule for one resource category on one provider.
type Plugin interface {
	// CategoryKey names the report bucket; unique per provider.
	CategoryKey() string
	// Scan returns the candidates found in in.Region. Provider errors are
	// returned, never panicked; the orchestrator degrades them to an empty
	// category.
	Scan(ctx context.Context, in Input) ([]resources.Candidate, error)
}

// Session is the provider-specific client bundle a Detector produces.
type Session any

// Input is everything a plugin may use for one scan.
type Input struct {
	Session     Session
	Region      string
	Credentials Credentials
	Config      Config
}

// Config carries the shared knobs plugins read.
type Config struct {
	Thresholds config.HeuristicConfig
	Estimator  pricing.Estimator
	Limiter    *ratelimit.Limiter
	Backoff    ratelimit.BackoffConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// Clock returns Now, defaulting to time.Now.
func (c Config) Clock() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Log returns the configured logger or slog.Default.
func (c Config) Log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Credentials are short-lived, per-connection provider credentials.
type Credentials struct {
	ConnectionID string             `yaml:"connection_id" mapstructure:"connection_id"`
	Provider     resources.Provider `yaml:"provider" mapstructure:"provider"`

	// AWS
	RoleARN         string `yaml:"role_arn" mapstructure:"role_arn"`
	ExternalID      string `yaml:"external_id" mapstructure:"external_id"`
	Profile         string `yaml:"profile" mapstructure:"profile"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string `yaml:"session_token" mapstructure:"session_token"`

	// Azure
	TenantID       string `yaml:"tenant_id" mapstructure:"tenant_id"`
	ClientID       string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret   string `yaml:"client_secret" mapstructure:"client_secret"`
	SubscriptionID string `yaml:"subscription_id" mapstructure:"subscription_id"`

	// GCP
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
	CredentialsJSON string `yaml:"credentials_json" mapstructure:"credentials_json"`

	ExpiresAt time.Time `yaml:"-" mapstructure:"-"`
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("connection_id", c.ConnectionID),
		slog.String("provider", string(c.Provider)),
	)
}

// Detector connects to a provider and yields the Session its plugins consume.
type Detector interface {
	ProviderName() resources.Provider
	Connect(ctx context.Context, creds Credentials, region string) (Session, error)
}

// CheckpointFunc receives each category as soon as its plugin finishes.
type CheckpointFunc func(categoryKey string, candidates []resources.Candidate)

var defaultCatalog = pricing.NewCatalog()

// Pricing returns the configured estimator, falling back to the built-in
// catalog.
func (c Config) Pricing() pricing.Estimator {
	if c.Estimator != nil {
		return c.Estimator
	}
	return defaultCatalog
}
