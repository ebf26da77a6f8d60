package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
)

func TestLimiter_OneRPSFromEmptyBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("takes ~10s of wall clock")
	}

	l := New(1, StartEmpty())
	start := time.Now()
	for i := 0; i < 11; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Errorf("11 calls at 1 req/s took %v, want >= 5s", elapsed)
	}
}

func TestLimiter_SpacesCalls(t *testing.T) {
	l := New(50, StartEmpty())
	start := time.Now()
	for i := 0; i < 11; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	// 11 tokens at 20ms each.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("elapsed %v, want >= 180ms", elapsed)
	}
}

func TestLimiter_StartsFull(t *testing.T) {
	l := New(5)
	start := time.Now()
	for i := 0; i < 5; i++ {
		_ = l.Acquire(context.Background())
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("a full bucket should not block, took %v", elapsed)
	}
}

func TestLimiter_ConcurrentCallersDoNotOverdraw(t *testing.T) {
	l := New(100, StartEmpty())
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Acquire(context.Background())
		}()
	}
	wg.Wait()
	// 20 tokens at 10ms each, regardless of interleaving.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("elapsed %v, want >= 180ms", elapsed)
	}
}

func TestLimiter_AcquireHonoursCancellation(t *testing.T) {
	l := New(1, StartEmpty())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Acquire(ctx); err == nil {
		t.Fatal("expected error when context expires before a token is available")
	}
}

func TestLimiter_NilNeverBlocks(t *testing.T) {
	var l *Limiter
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestIsThrottle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"smithy throttling", &smithy.GenericAPIError{Code: "Throttling"}, true},
		{"smithy request limit", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}, true},
		{"wrapped smithy", fmt.Errorf("describe volumes: %w", &smithy.GenericAPIError{Code: "ThrottlingException"}), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"sentinel", fmt.Errorf("azure 429: %w", ErrThrottled), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsThrottle(tt.err); got != tt.want {
				t.Errorf("IsThrottle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, MaxRetries: 3, Jitter: 0.2}
}

func TestWithBackoff_RetriesThrottling(t *testing.T) {
	calls := 0
	got, err := WithBackoff(context.Background(), fastBackoff(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &smithy.GenericAPIError{Code: "Throttling"}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Errorf("got %d after %d calls, want 42 after 3", got, calls)
	}
}

func TestWithBackoff_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	permanent := &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	_, err := WithBackoff(context.Background(), fastBackoff(), func(context.Context) (string, error) {
		calls++
		return "", permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithBackoff_BoundedRetries(t *testing.T) {
	calls := 0
	_, err := WithBackoff(context.Background(), fastBackoff(), func(context.Context) (int, error) {
		calls++
		return 0, ErrThrottled
	})
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled re-raised, got %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 1 attempt + 3 retries", calls)
	}
}

func TestWithBackoff_StopsOnCancel(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: time.Hour, MaxBackoff: time.Hour, MaxRetries: 3}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithBackoff(ctx, cfg, func(context.Context) (int, error) {
		return 0, ErrThrottled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 20 * time.Second}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		20 * time.Second,
		20 * time.Second,
	}
	for attempt, w := range want {
		if got := cfg.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoffConfig_JitterIsSymmetricAndBounded(t *testing.T) {
	cfg := BackoffConfig{InitialBackoff: time.Second, MaxBackoff: time.Second, Jitter: 0.2}
	for i := 0; i < 200; i++ {
		d := cfg.jittered(0)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v outside [0.8s, 1.2s]", d)
		}
	}
}
