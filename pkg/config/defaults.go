// Package config defines the typed configuration, its defaults and the
// viper loader.
package config

import (
	"time"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/safety"
)

// Defaults.
const (
	DefaultRegion        = "us-east-1"
	DefaultPluginTimeout = 30 * time.Second
	DefaultConcurrency   = 10
	DefaultRateLimit     = 10.0
	DefaultGracePeriod   = 24 * time.Hour
	DefaultRetentionDays = 7
	DefaultJobsSubject   = "reaper.jobs.remediation_execute"
)

// Config is the full process configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Scan        ScanConfig        `mapstructure:"scan"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Safety      SafetyConfig      `mapstructure:"safety"`
	Autopilot   AutopilotConfig   `mapstructure:"autopilot"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	History     HistoryConfig     `mapstructure:"history"`
	AWS         AWSConfig         `mapstructure:"aws"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type ScanConfig struct {
	PluginTimeout time.Duration `mapstructure:"plugin_timeout"`
	// Concurrency caps simultaneous connections in a sweep.
	Concurrency int `mapstructure:"concurrency"`
	// RateLimit is requests per second per upstream API.
	RateLimit  float64                 `mapstructure:"rate_limit"`
	Backoff    ratelimit.BackoffConfig `mapstructure:"backoff"`
	Heuristics HeuristicConfig         `mapstructure:"heuristics"`
}

type RemediationConfig struct {
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	BackupRetentionDays int           `mapstructure:"backup_retention_days"`
	Store               StoreConfig   `mapstructure:"store"`
	Vault               VaultConfig   `mapstructure:"vault"`
}

// StoreConfig selects the remediation request store.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory | postgres
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// VaultConfig selects where tombstones are written. An empty driver
// disables tombstones.
type VaultConfig struct {
	Driver string `mapstructure:"driver"` // "" | local | s3
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type SafetyConfig struct {
	Breaker  safety.BreakerConfig `mapstructure:"breaker"`
	Store    string               `mapstructure:"store"` // memory | redis
	RedisURL string               `mapstructure:"redis_url"`
}

// AutopilotConfig holds the default tenant settings plus per-tenant
// overrides.
type AutopilotConfig struct {
	AutopilotSettings `mapstructure:",squash"`
	RulesFile         string                       `mapstructure:"rules_file"`
	Tenants           map[string]AutopilotSettings `mapstructure:"tenants"`
}

type AutopilotSettings struct {
	Enabled              bool          `mapstructure:"enabled"`
	MinConfidence        float64       `mapstructure:"min_confidence_threshold"`
	MaxExecutionsPerHour int           `mapstructure:"max_deletions_per_hour"`
	MinAge               time.Duration `mapstructure:"min_age"`
	RecentActivityWindow time.Duration `mapstructure:"recent_activity_window"`
	ProtectionTags       []string      `mapstructure:"protection_tags"`
}

type JobsConfig struct {
	Driver  string `mapstructure:"driver"` // timer | nats
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type AuditConfig struct {
	// File is a JSONL audit log; empty keeps audit events in the process log only.
	File string `mapstructure:"file"`
}

type NotifyConfig struct {
	SlackWebhook string `mapstructure:"slack_webhook"`
	SlackChannel string `mapstructure:"slack_channel"`
}

type TelemetryConfig struct {
	Disabled     bool   `mapstructure:"disabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

type PricingConfig struct {
	// Live queries the AWS Price List API on top of the static catalog.
	Live     bool   `mapstructure:"live"`
	CacheDir string `mapstructure:"cache_dir"`
	// DiscountRate overrides the Cost Explorer calibration when positive.
	DiscountRate float64 `mapstructure:"discount_rate"`
	// Regions are prefetched at startup; empty means DefaultRegion.
	Regions []string `mapstructure:"regions"`
}

// HistoryConfig selects the waste ledger. An empty driver disables it.
type HistoryConfig struct {
	Driver string `mapstructure:"driver"` // "" | local | s3
	Path   string `mapstructure:"path"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// Retain caps snapshots kept per connection and region.
	Retain int `mapstructure:"retain"`
	// Window is how many recent snapshots feed trend analysis.
	Window int `mapstructure:"window"`
	// WasteBudget is the monthly waste, in USD, that raises an alert.
	WasteBudget float64 `mapstructure:"waste_budget"`
}

type AWSConfig struct {
	// Endpoint points every AWS client at an emulator such as LocalStack.
	Endpoint string `mapstructure:"endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", JSON: true},
		Scan: ScanConfig{
			PluginTimeout: DefaultPluginTimeout,
			Concurrency:   DefaultConcurrency,
			RateLimit:     DefaultRateLimit,
			Backoff:       ratelimit.DefaultBackoffConfig(),
			Heuristics:    DefaultHeuristicConfig(),
		},
		Remediation: RemediationConfig{
			GracePeriod:         DefaultGracePeriod,
			BackupRetentionDays: DefaultRetentionDays,
			Store:               StoreConfig{Driver: "memory", MaxConns: 10},
		},
		Safety: SafetyConfig{
			Breaker: safety.DefaultBreakerConfig(),
			Store:   "memory",
		},
		Autopilot: AutopilotConfig{
			AutopilotSettings: DefaultAutopilotSettings(),
		},
		Jobs: JobsConfig{
			Driver:  "timer",
			Subject: DefaultJobsSubject,
			Queue:   "reaper-workers",
		},
		Telemetry: TelemetryConfig{MetricsAddr: ":9090"},
		History:   HistoryConfig{Retain: 500, Window: 24},
	}
}

// DefaultAutopilotSettings has auto-pilot off.
func DefaultAutopilotSettings() AutopilotSettings {
	return AutopilotSettings{
		Enabled:              false,
		MinConfidence:        0.95,
		MaxExecutionsPerHour: 10,
		MinAge:               7 * 24 * time.Hour,
		RecentActivityWindow: 7 * 24 * time.Hour,
	}
}
