package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: REAPER_SCAN_CONCURRENCY=4.
const EnvPrefix = "REAPER"

// DefaultPath returns ~/.reaper.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reaper.yaml"
	}
	return filepath.Join(home, ".reaper.yaml")
}

// Load reads the config file (when present), applies REAPER_* environment
// overrides and validates the result. v may carry bound flags; nil uses a
// fresh instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default so environment overrides resolve
// even for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)

	v.SetDefault("scan.plugin_timeout", d.Scan.PluginTimeout)
	v.SetDefault("scan.concurrency", d.Scan.Concurrency)
	v.SetDefault("scan.rate_limit", d.Scan.RateLimit)
	v.SetDefault("scan.backoff.initial_backoff", d.Scan.Backoff.InitialBackoff)
	v.SetDefault("scan.backoff.max_backoff", d.Scan.Backoff.MaxBackoff)
	v.SetDefault("scan.backoff.max_retries", d.Scan.Backoff.MaxRetries)
	v.SetDefault("scan.backoff.jitter", d.Scan.Backoff.Jitter)

	h := d.Scan.Heuristics
	v.SetDefault("scan.heuristics.unattached_volume.unused_days", h.UnattachedVolume.UnusedDays)
	v.SetDefault("scan.heuristics.unattached_volume.ignore_tags", h.UnattachedVolume.IgnoreTags)
	v.SetDefault("scan.heuristics.old_snapshot.age_threshold", h.OldSnapshot.AgeThreshold)
	v.SetDefault("scan.heuristics.idle_instance.cpu_threshold", h.IdleInstance.CPUThreshold)
	v.SetDefault("scan.heuristics.idle_instance.lookback", h.IdleInstance.Lookback)
	v.SetDefault("scan.heuristics.idle_instance.stopped_threshold", h.IdleInstance.StoppedThreshold)
	v.SetDefault("scan.heuristics.idle_nat.bytes_threshold", h.IdleNAT.BytesThreshold)
	v.SetDefault("scan.heuristics.idle_nat.lookback", h.IdleNAT.Lookback)
	v.SetDefault("scan.heuristics.idle_load_balancer.request_threshold", h.IdleLoadBalancer.RequestThreshold)
	v.SetDefault("scan.heuristics.idle_load_balancer.lookback", h.IdleLoadBalancer.Lookback)
	v.SetDefault("scan.heuristics.idle_database.connection_threshold", h.IdleDatabase.ConnectionThreshold)
	v.SetDefault("scan.heuristics.idle_database.lookback", h.IdleDatabase.Lookback)
	v.SetDefault("scan.heuristics.idle_endpoint.invocation_threshold", h.IdleEndpoint.InvocationThreshold)
	v.SetDefault("scan.heuristics.idle_endpoint.lookback", h.IdleEndpoint.Lookback)
	v.SetDefault("scan.heuristics.stale_image.age_threshold", h.StaleImage.AgeThreshold)

	v.SetDefault("remediation.grace_period", d.Remediation.GracePeriod)
	v.SetDefault("remediation.backup_retention_days", d.Remediation.BackupRetentionDays)
	v.SetDefault("remediation.store.driver", d.Remediation.Store.Driver)
	v.SetDefault("remediation.store.database_url", "")
	v.SetDefault("remediation.store.max_conns", d.Remediation.Store.MaxConns)
	v.SetDefault("remediation.vault.driver", "")
	v.SetDefault("remediation.vault.path", "")
	v.SetDefault("remediation.vault.bucket", "")
	v.SetDefault("remediation.vault.prefix", "")

	v.SetDefault("safety.breaker.failure_threshold", d.Safety.Breaker.FailureThreshold)
	v.SetDefault("safety.breaker.recovery_timeout", d.Safety.Breaker.RecoveryTimeout)
	v.SetDefault("safety.breaker.success_threshold", d.Safety.Breaker.SuccessThreshold)
	v.SetDefault("safety.breaker.max_daily_savings_usd", d.Safety.Breaker.MaxDailySavingsUSD)
	v.SetDefault("safety.store", d.Safety.Store)
	v.SetDefault("safety.redis_url", "")

	a := d.Autopilot
	v.SetDefault("autopilot.enabled", a.Enabled)
	v.SetDefault("autopilot.min_confidence_threshold", a.MinConfidence)
	v.SetDefault("autopilot.max_deletions_per_hour", a.MaxExecutionsPerHour)
	v.SetDefault("autopilot.min_age", a.MinAge)
	v.SetDefault("autopilot.recent_activity_window", a.RecentActivityWindow)
	v.SetDefault("autopilot.rules_file", "")

	v.SetDefault("jobs.driver", d.Jobs.Driver)
	v.SetDefault("jobs.nats_url", "")
	v.SetDefault("jobs.subject", d.Jobs.Subject)
	v.SetDefault("jobs.queue", d.Jobs.Queue)

	v.SetDefault("audit.file", "")
	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.slack_channel", "")
	v.SetDefault("telemetry.disabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	v.SetDefault("pricing.live", false)
	v.SetDefault("pricing.cache_dir", "")
	v.SetDefault("pricing.discount_rate", 0.0)
	v.SetDefault("pricing.regions", []string{})
	v.SetDefault("history.driver", "")
	v.SetDefault("history.path", "")
	v.SetDefault("history.bucket", "")
	v.SetDefault("history.prefix", "")
	v.SetDefault("history.retain", d.History.Retain)
	v.SetDefault("history.window", d.History.Window)
	v.SetDefault("history.waste_budget", 0.0)
	v.SetDefault("aws.endpoint", "")
}

// Validate clamps probabilities into [0,1], resets non-positive limits to
// their defaults and rejects unknown drivers.
func (c *Config) Validate() error {
	d := Default()
	if c.Scan.PluginTimeout <= 0 {
		c.Scan.PluginTimeout = d.Scan.PluginTimeout
	}
	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = d.Scan.Concurrency
	}
	if c.Scan.RateLimit <= 0 || math.IsNaN(c.Scan.RateLimit) {
		c.Scan.RateLimit = d.Scan.RateLimit
	}
	c.Scan.Backoff.ApplyDefaults()
	if c.Remediation.GracePeriod < 0 {
		c.Remediation.GracePeriod = d.Remediation.GracePeriod
	}
	if c.Remediation.BackupRetentionDays <= 0 {
		c.Remediation.BackupRetentionDays = d.Remediation.BackupRetentionDays
	}
	c.Safety.Breaker.ApplyDefaults()

	c.Autopilot.AutopilotSettings = c.Autopilot.AutopilotSettings.clamp()
	for k, s := range c.Autopilot.Tenants {
		c.Autopilot.Tenants[k] = s.clamp()
	}

	switch c.Remediation.Store.Driver {
	case "", "memory":
		c.Remediation.Store.Driver = "memory"
	case "postgres":
		if c.Remediation.Store.DatabaseURL == "" {
			return errors.New("remediation.store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown remediation store driver %q", c.Remediation.Store.Driver)
	}
	switch c.Remediation.Vault.Driver {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unknown vault driver %q", c.Remediation.Vault.Driver)
	}
	if c.Remediation.Vault.Driver == "s3" && c.Remediation.Vault.Bucket == "" {
		return errors.New("remediation.vault.bucket is required for the s3 vault")
	}
	switch c.History.Driver {
	case "", "local", "s3":
	default:
		return fmt.Errorf("unknown history driver %q", c.History.Driver)
	}
	if c.History.Driver == "s3" && c.History.Bucket == "" {
		return errors.New("history.bucket is required for the s3 history driver")
	}
	if c.History.Retain <= 0 {
		c.History.Retain = d.History.Retain
	}
	if c.History.Window <= 0 {
		c.History.Window = d.History.Window
	}
	switch c.Safety.Store {
	case "", "memory":
		c.Safety.Store = "memory"
	case "redis":
		if c.Safety.RedisURL == "" {
			return errors.New("safety.redis_url is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown safety store %q", c.Safety.Store)
	}
	switch c.Jobs.Driver {
	case "", "timer":
		c.Jobs.Driver = "timer"
	case "nats":
		if c.Jobs.NATSURL == "" {
			return errors.New("jobs.nats_url is required for the nats driver")
		}
	default:
		return fmt.Errorf("unknown jobs driver %q", c.Jobs.Driver)
	}
	if c.Jobs.Subject == "" {
		c.Jobs.Subject = d.Jobs.Subject
	}
	return nil
}

func (s AutopilotSettings) clamp() AutopilotSettings {
	d := DefaultAutopilotSettings()
	switch {
	case math.IsNaN(s.MinConfidence):
		s.MinConfidence = d.MinConfidence
	case s.MinConfidence < 0:
		s.MinConfidence = 0
	case s.MinConfidence > 1:
		s.MinConfidence = 1
	}
	if s.MaxExecutionsPerHour <= 0 {
		s.MaxExecutionsPerHour = d.MaxExecutionsPerHour
	}
	if s.MinAge < 0 {
		s.MinAge = d.MinAge
	}
	if s.RecentActivityWindow < 0 {
		s.RecentActivityWindow = d.RecentActivityWindow
	}
	return s
}
