package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffConfig configures WithBackoff.
type BackoffConfig struct {
	// InitialBackoff is the delay before the first retry.
	// Default: 500ms
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the exponential delay before jitter.
	// Default: 20s
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// MaxRetries bounds the number of retries after the first attempt.
	// Zero means the default; negative disables retries.
	// Default: 5
	MaxRetries int `mapstructure:"max_retries"`

	// Jitter is the symmetric jitter fraction applied to each delay.
	// Default: 0.2
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultBackoffConfig returns the retry policy used for provider list calls.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     20 * time.Second,
		MaxRetries:     5,
		Jitter:         0.2,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *BackoffConfig) ApplyDefaults() {
	defaults := DefaultBackoffConfig()

	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaults.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = defaults.Jitter
	}
}

// Delay returns the sleep before retry number attempt (0-based), without jitter.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

func (c BackoffConfig) jittered(attempt int) time.Duration {
	d := c.Delay(attempt)
	if c.Jitter == 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// WithBackoff calls fn until it succeeds, returns a non-throttling error,
// or the retry budget is spent. The last error is returned unchanged.
func WithBackoff[T any](ctx context.Context, cfg BackoffConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg.ApplyDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !IsThrottle(err) || attempt >= cfg.MaxRetries {
			return zero, err
		}

		timer := time.NewTimer(cfg.jittered(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Call acquires a token from l and then runs fn under WithBackoff.
// Each retry acquires its own token.
func Call[T any](ctx context.Context, l *Limiter, cfg BackoffConfig, fn func(context.Context) (T, error)) (T, error) {
	return WithBackoff(ctx, cfg, func(ctx context.Context) (T, error) {
		if err := l.Acquire(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	})
}
