package autopilot

import (
	"context"
	"math"
	"strings"
	"time"
)

// Settings are a tenant's auto-pilot controls.
type Settings struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	MinConfidence        float64       `mapstructure:"min_confidence_threshold" yaml:"min_confidence_threshold"`
	MaxExecutionsPerHour int           `mapstructure:"max_deletions_per_hour" yaml:"max_deletions_per_hour"`
	MinAge               time.Duration `mapstructure:"min_age" yaml:"min_age"`
	RecentActivityWindow time.Duration `mapstructure:"recent_activity_window" yaml:"recent_activity_window"`
	ProtectionTags       []string      `mapstructure:"protection_tags" yaml:"protection_tags"`
}

// DefaultProtectionTags are tag keys that exclude a resource outright.
var DefaultProtectionTags = []string{"reaper:protect", "do-not-delete", "donotdelete", "keep", "protected"}

// DefaultSettings has auto-pilot off.
func DefaultSettings() Settings {
	return Settings{
		Enabled:              false,
		MinConfidence:        0.95,
		MaxExecutionsPerHour: 10,
		MinAge:               7 * 24 * time.Hour,
		RecentActivityWindow: 7 * 24 * time.Hour,
		ProtectionTags:       append([]string(nil), DefaultProtectionTags...),
	}
}

// Normalize bounds stored values instead of trusting them: the confidence
// threshold is clamped into [0,1] (NaN falls back to the default) and
// non-positive limits take their defaults.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
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
	if s.ProtectionTags == nil {
		s.ProtectionTags = d.ProtectionTags
	}
	return s
}

// SettingsProvider looks up a tenant's settings.
type SettingsProvider interface {
	Settings(ctx context.Context, tenantID string) (Settings, error)
}

// StaticSettings serves settings from configuration.
type StaticSettings struct {
	Default   Settings
	PerTenant map[string]Settings
}

func (s StaticSettings) Settings(_ context.Context, tenantID string) (Settings, error) {
	if t, ok := s.PerTenant[tenantID]; ok {
		return t.Normalize(), nil
	}
	if t, ok := s.PerTenant[strings.ToLower(tenantID)]; ok {
		return t.Normalize(), nil
	}
	return s.Default.Normalize(), nil
}
