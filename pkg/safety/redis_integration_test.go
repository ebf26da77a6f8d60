//go:build integration

package safety

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis brings up a throwaway Redis. Requires Docker.
func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)
	return endpoint
}

func TestRedisStore_BreakerCycle_Integration(t *testing.T) {
	ctx := context.Background()
	client, err := ConnectRedis(ctx, startRedis(t))
	require.NoError(t, err)
	defer client.Close()

	clock := &testClock{t: time.Now().UTC()}
	b := NewBreaker(NewRedisStore(client), DefaultBreakerConfig(), WithBreakerClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "acme", 0))
	}
	st, err := b.GetState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)
	require.NotNil(t, st.LastFailureAt)

	clock.Advance(5 * time.Minute)

	// Two breakers sharing the store race for the single probe.
	other := NewBreaker(NewRedisStore(client), DefaultBreakerConfig(), WithBreakerClock(clock.Now))
	var admitted int32
	var wg sync.WaitGroup
	for _, br := range []*Breaker{b, other, b, other} {
		wg.Add(1)
		go func(br *Breaker) {
			defer wg.Done()
			if br.Check(ctx, "acme", 10) == nil {
				atomic.AddInt32(&admitted, 1)
			}
		}(br)
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted)

	require.NoError(t, b.RecordSuccess(ctx, "acme", 10))
	require.NoError(t, b.Check(ctx, "acme", 10))
	require.NoError(t, other.RecordSuccess(ctx, "acme", 10))

	st, err = other.GetState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.InDelta(t, 20.0, st.DailySavingsUSD, 0.001)

	require.NoError(t, b.Reset(ctx, "acme"))
	st, err = b.GetState(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)
}

func TestRedisStore_DailyCapUnderContention_Integration(t *testing.T) {
	ctx := context.Background()
	client, err := ConnectRedis(ctx, startRedis(t))
	require.NoError(t, err)
	defer client.Close()

	cfg := DefaultBreakerConfig()
	cfg.MaxDailySavingsUSD = 100
	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := NewBreaker(NewRedisStore(client), cfg)
			if b.Check(ctx, "acme", 30) == nil {
				atomic.AddInt32(&admitted, 1)
				_ = b.RecordSuccess(ctx, "acme", 30)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, admitted)

	b := NewBreaker(NewRedisStore(client), cfg)
	st, err := b.GetState(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 90.0, st.DailySavingsUSD, 0.001)

	require.NoError(t, b.Release(ctx, "acme", 30))
	st, err = b.GetState(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 60.0, st.DailySavingsUSD, 0.001)
}

func TestRedisCounter_Integration(t *testing.T) {
	ctx := context.Background()
	client, err := ConnectRedis(ctx, "redis://"+startRedis(t))
	require.NoError(t, err)
	defer client.Close()

	c := NewRedisCounter(client)
	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := c.TryAcquire(ctx, "acme", 10); ok {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, granted)

	n, err := c.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	ttl, err := client.TTL(ctx, CounterKey("acme", time.Now())).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Release(ctx, "acme"))
	n, err = c.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}
