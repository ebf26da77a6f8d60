package config

import "time"

// HeuristicConfig defines the thresholds detection plugins judge idleness by.
type HeuristicConfig struct {
	UnattachedVolume UnattachedVolumeConfig `mapstructure:"unattached_volume"`
	OldSnapshot      OldSnapshotConfig      `mapstructure:"old_snapshot"`
	IdleInstance     IdleInstanceConfig     `mapstructure:"idle_instance"`
	IdleNAT          IdleNATConfig          `mapstructure:"idle_nat"`
	IdleLoadBalancer IdleLoadBalancerConfig `mapstructure:"idle_load_balancer"`
	IdleDatabase     IdleDatabaseConfig     `mapstructure:"idle_database"`
	IdleEndpoint     IdleEndpointConfig     `mapstructure:"idle_endpoint"`
	StaleImage       StaleImageConfig       `mapstructure:"stale_image"`
}

type UnattachedVolumeConfig struct {
	// UnusedDays is the number of days a volume must be unattached.
	UnusedDays int `mapstructure:"unused_days"`
	// IgnoreTags is a list of tag keys to ignore.
	IgnoreTags []string `mapstructure:"ignore_tags"`
}

type OldSnapshotConfig struct {
	// AgeThreshold is the age after which a snapshot is considered forgotten.
	AgeThreshold time.Duration `mapstructure:"age_threshold"`
}

type IdleInstanceConfig struct {
	// CPUThreshold is the utilization percentage for idle detection.
	CPUThreshold float64 `mapstructure:"cpu_threshold"`
	// Lookback is the metric window inspected.
	Lookback time.Duration `mapstructure:"lookback"`
	// StoppedThreshold is how long an instance must be stopped before termination is suggested.
	StoppedThreshold time.Duration `mapstructure:"stopped_threshold"`
}

type IdleNATConfig struct {
	// BytesThreshold is the total traffic below which a gateway is idle.
	BytesThreshold float64       `mapstructure:"bytes_threshold"`
	Lookback       time.Duration `mapstructure:"lookback"`
}

type IdleLoadBalancerConfig struct {
	RequestThreshold float64       `mapstructure:"request_threshold"`
	Lookback         time.Duration `mapstructure:"lookback"`
}

type IdleDatabaseConfig struct {
	// ConnectionThreshold is the peak connection count below which a database is idle.
	ConnectionThreshold float64       `mapstructure:"connection_threshold"`
	Lookback            time.Duration `mapstructure:"lookback"`
}

type IdleEndpointConfig struct {
	InvocationThreshold float64       `mapstructure:"invocation_threshold"`
	Lookback            time.Duration `mapstructure:"lookback"`
}

type StaleImageConfig struct {
	// AgeThreshold applies to untagged images only.
	AgeThreshold time.Duration `mapstructure:"age_threshold"`
}

// DefaultHeuristicConfig returns a configuration with sensible default values.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		UnattachedVolume: UnattachedVolumeConfig{
			UnusedDays: 7,
			IgnoreTags: []string{},
		},
		OldSnapshot: OldSnapshotConfig{
			AgeThreshold: 90 * 24 * time.Hour,
		},
		IdleInstance: IdleInstanceConfig{
			CPUThreshold:     2.0,
			Lookback:         14 * 24 * time.Hour,
			StoppedThreshold: 30 * 24 * time.Hour,
		},
		IdleNAT: IdleNATConfig{
			BytesThreshold: 1 << 20, // 1 MiB over the window
			Lookback:       7 * 24 * time.Hour,
		},
		IdleLoadBalancer: IdleLoadBalancerConfig{
			RequestThreshold: 0,
			Lookback:         7 * 24 * time.Hour,
		},
		IdleDatabase: IdleDatabaseConfig{
			ConnectionThreshold: 0,
			Lookback:            7 * 24 * time.Hour,
		},
		IdleEndpoint: IdleEndpointConfig{
			InvocationThreshold: 0,
			Lookback:            7 * 24 * time.Hour,
		},
		StaleImage: StaleImageConfig{
			AgeThreshold: 30 * 24 * time.Hour,
		},
	}
}
