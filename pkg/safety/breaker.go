// Package safety holds the tenant-scoped fuses in front of destructive
// automation: the circuit breaker and the hourly execution counter.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

var (
	// ErrCircuitOpen is returned while the tenant's breaker refuses executions.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrDailySavingsCap is returned when an execution would push the tenant
	// past its daily savings cap.
	ErrDailySavingsCap = errors.New("daily savings cap reached")
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerState is the per-tenant counter set.
type BreakerState struct {
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	SuccessCount    int        `json:"success_count"`
	DailySavingsUSD float64    `json:"daily_savings_usd"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	// ProbeInFlight is set while the single half-open trial execution runs.
	ProbeInFlight bool `json:"probe_in_flight"`
}

func (s *BreakerState) normalize() {
	if s.State == "" {
		s.State = StateClosed
	}
}

// BreakerConfig configures the breaker.
type BreakerConfig struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	RecoveryTimeout    time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold   int           `mapstructure:"success_threshold"`
	MaxDailySavingsUSD float64       `mapstructure:"max_daily_savings_usd"`
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   3,
		RecoveryTimeout:    300 * time.Second,
		SuccessThreshold:   2,
		MaxDailySavingsUSD: 5000,
	}
}

// ApplyDefaults sets default values for unset or invalid fields.
func (c *BreakerConfig) ApplyDefaults() {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.MaxDailySavingsUSD <= 0 || math.IsNaN(c.MaxDailySavingsUSD) {
		c.MaxDailySavingsUSD = d.MaxDailySavingsUSD
	}
}

// Breaker is a tenant-scoped circuit breaker over a shared StateStore.
type Breaker struct {
	store  StateStore
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a breaker.
func NewBreaker(store StateStore, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	cfg.ApplyDefaults()
	b := &Breaker{store: store, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Check admits or refuses one execution worth savings USD. A nil return
// reserves savings against the daily cap and, in half-open state, claims the
// single trial slot. The caller must settle both with RecordSuccess,
// RecordFailure or Release.
func (b *Breaker) Check(ctx context.Context, tenantID string, savings float64) error {
	now := b.now()

	spent, ok, err := b.store.ReserveDailySavings(ctx, tenantID, now, savings, b.cfg.MaxDailySavingsUSD)
	if err != nil {
		return fmt.Errorf("reserve daily savings: %w", err)
	}
	if !ok {
		b.logger.Info("execution refused by daily savings cap",
			"event", "daily_savings_cap_reached",
			"tenant_id", tenantID,
			"daily_savings_usd", spent,
			"requested_usd", savings,
			"max_daily_savings_usd", b.cfg.MaxDailySavingsUSD,
		)
		BreakerRejections.WithLabelValues("daily_cap").Inc()
		return ErrDailySavingsCap
	}

	var from State
	st, err := b.store.Mutate(ctx, tenantID, func(s *BreakerState) error {
		s.normalize()
		from = s.State
		if !b.admits(s, now) {
			return ErrCircuitOpen
		}
		switch s.State {
		case StateOpen:
			s.State = StateHalfOpen
			s.SuccessCount = 0
			s.ProbeInFlight = true
		case StateHalfOpen:
			s.ProbeInFlight = true
		}
		return nil
	})
	if err != nil {
		b.refund(ctx, tenantID, savings)
	}
	if errors.Is(err, ErrCircuitOpen) {
		b.logger.Info("execution refused by circuit breaker",
			"event", "circuit_open", "tenant_id", tenantID, "state", from)
		BreakerRejections.WithLabelValues("open").Inc()
		return ErrCircuitOpen
	}
	if err != nil {
		return fmt.Errorf("update breaker state: %w", err)
	}
	b.transitioned(tenantID, from, st.State)
	return nil
}

// admits reports whether s lets one more execution through at now.
func (b *Breaker) admits(s *BreakerState, now time.Time) bool {
	switch s.State {
	case StateOpen:
		return s.LastFailureAt == nil || now.Sub(*s.LastFailureAt) >= b.cfg.RecoveryTimeout
	case StateHalfOpen:
		return !s.ProbeInFlight
	}
	return true
}

// CanExecute reports whether Check would admit an execution worth savings
// right now. It reserves nothing and claims no trial slot, so a true answer
// may be stale by the time Check runs.
func (b *Breaker) CanExecute(ctx context.Context, tenantID string, savings float64) (bool, error) {
	now := b.now()
	spent, err := b.store.DailySavings(ctx, tenantID, now)
	if err != nil {
		return false, fmt.Errorf("load daily savings: %w", err)
	}
	if spent+savings > b.cfg.MaxDailySavingsUSD {
		return false, nil
	}
	st, err := b.store.Load(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("load breaker state: %w", err)
	}
	st.normalize()
	return b.admits(&st, now), nil
}

// RecordSuccess advances the breaker. The savings were already counted
// against the daily cap when Check admitted the execution.
func (b *Breaker) RecordSuccess(ctx context.Context, tenantID string, savings float64) error {
	now := b.now()
	var from State
	st, err := b.store.Mutate(ctx, tenantID, func(s *BreakerState) error {
		s.normalize()
		from = s.State
		t := now
		s.LastSuccessAt = &t
		switch s.State {
		case StateClosed:
			s.FailureCount = 0
		case StateHalfOpen:
			s.ProbeInFlight = false
			s.SuccessCount++
			if s.SuccessCount >= b.cfg.SuccessThreshold {
				s.State = StateClosed
				s.FailureCount = 0
				s.SuccessCount = 0
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update breaker state: %w", err)
	}
	b.logger.Debug("savings booked", "tenant_id", tenantID, "savings_usd", savings)
	b.transitioned(tenantID, from, st.State)
	return nil
}

// RecordFailure counts a failed execution, trips the breaker at the
// threshold and refunds the savings reserved by Check.
func (b *Breaker) RecordFailure(ctx context.Context, tenantID string, savings float64) error {
	now := b.now()
	b.refund(ctx, tenantID, savings)
	var from State
	st, err := b.store.Mutate(ctx, tenantID, func(s *BreakerState) error {
		s.normalize()
		from = s.State
		t := now
		s.LastFailureAt = &t
		s.FailureCount++
		switch s.State {
		case StateHalfOpen:
			s.State = StateOpen
			s.SuccessCount = 0
			s.ProbeInFlight = false
		case StateClosed:
			if s.FailureCount >= b.cfg.FailureThreshold {
				s.State = StateOpen
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update breaker state: %w", err)
	}
	b.transitioned(tenantID, from, st.State)
	return nil
}

// Release hands back what Check claimed when the execution never reached
// the provider: the reserved savings and any half-open trial slot.
func (b *Breaker) Release(ctx context.Context, tenantID string, savings float64) error {
	b.refund(ctx, tenantID, savings)
	_, err := b.store.Mutate(ctx, tenantID, func(s *BreakerState) error {
		s.normalize()
		if s.State == StateHalfOpen {
			s.ProbeInFlight = false
		}
		return nil
	})
	return err
}

// GetState returns the tenant's state including today's savings.
func (b *Breaker) GetState(ctx context.Context, tenantID string) (BreakerState, error) {
	st, err := b.store.Load(ctx, tenantID)
	if err != nil {
		return BreakerState{}, err
	}
	st.normalize()
	spent, err := b.store.DailySavings(ctx, tenantID, b.now())
	if err != nil {
		return BreakerState{}, err
	}
	st.DailySavingsUSD = spent
	return st, nil
}

// Reset closes the breaker and clears all counters for the tenant.
func (b *Breaker) Reset(ctx context.Context, tenantID string) error {
	return b.store.Reset(ctx, tenantID)
}

func (b *Breaker) refund(ctx context.Context, tenantID string, savings float64) {
	if savings <= 0 {
		return
	}
	if _, err := b.store.RefundDailySavings(ctx, tenantID, b.now(), savings); err != nil {
		b.logger.Warn("failed to refund daily savings", "tenant_id", tenantID, "savings_usd", savings, "error", err)
	}
}

func (b *Breaker) transitioned(tenantID string, from, to State) {
	if from == to {
		return
	}
	BreakerTransitions.WithLabelValues(string(from), string(to)).Inc()
	b.logger.Info("circuit breaker state changed", "tenant_id", tenantID, "from", from, "to", to)
}
