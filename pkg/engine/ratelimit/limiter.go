// Package ratelimit protects upstream cloud APIs from the scan fan-out:
// a token bucket per API plus a throttle-aware retry helper.
package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket holding at most ratePerSecond tokens,
// refilled continuously. A nil *Limiter never blocks.
type Limiter struct {
	lim *rate.Limiter
	rps float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// StartEmpty drains the bucket at construction so the first call waits
// for a full refill interval.
func StartEmpty() Option {
	return func(l *Limiter) {
		l.lim.ReserveN(time.Now(), l.lim.Burst())
	}
}

// New returns a limiter admitting ratePerSecond calls per second.
// Non-positive rates fall back to DefaultRate.
func New(ratePerSecond float64, opts ...Option) *Limiter {
	if ratePerSecond <= 0 || math.IsNaN(ratePerSecond) || math.IsInf(ratePerSecond, 0) {
		ratePerSecond = DefaultRate
	}
	burst := int(math.Ceil(ratePerSecond))
	if burst < 1 {
		burst = 1
	}

	l := &Limiter{
		lim: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		rps: ratePerSecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultRate is the per-API budget used when none is configured.
const DefaultRate = 10.0

// Acquire blocks until a token is available or ctx is done.
// Reservations are taken under the bucket's own lock, so concurrent
// callers queue behind each other instead of over-drawing.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}

// Rate returns the configured refill rate in tokens per second.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	return l.rps
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	return l.lim.Tokens()
}
