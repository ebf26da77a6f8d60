package safety

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ExecutionCounter bounds autonomous executions per tenant per clock hour.
type ExecutionCounter interface {
	// TryAcquire reserves one execution if fewer than limit were reserved in
	// the current hour. It returns whether the slot was granted and the count
	// after the attempt.
	TryAcquire(ctx context.Context, tenantID string, limit int) (bool, int, error)
	// Release hands back a slot that was granted but not used. It never takes
	// the current hour's count below zero.
	Release(ctx context.Context, tenantID string) error
	// Count returns the executions reserved in the current hour.
	Count(ctx context.Context, tenantID string) (int, error)
}

func hourKey(t time.Time) string { return t.UTC().Format("2006010215") }

// CounterKey is the shared-store key for a tenant's hourly bucket.
func CounterKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("reaper:autopilot:%s:%s", tenantID, hourKey(at))
}

// MemoryCounter is an in-process ExecutionCounter.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]int
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{buckets: make(map[string]int), now: time.Now}
}

// WithClock overrides the time source.
func (c *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	c.now = now
	return c
}

func (c *MemoryCounter) TryAcquire(ctx context.Context, tenantID string, limit int) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)
	key := CounterKey(tenantID, now)
	n := c.buckets[key]
	if n >= limit {
		return false, n, nil
	}
	c.buckets[key] = n + 1
	return true, n + 1, nil
}

func (c *MemoryCounter) Release(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := CounterKey(tenantID, c.now())
	if c.buckets[key] > 0 {
		c.buckets[key]--
	}
	return nil
}

func (c *MemoryCounter) Count(ctx context.Context, tenantID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buckets[CounterKey(tenantID, c.now())], nil
}

// sweep drops buckets from earlier hours; must hold mu.
func (c *MemoryCounter) sweep(now time.Time) {
	current := hourKey(now)
	for k := range c.buckets {
		if k[len(k)-len(current):] < current {
			delete(c.buckets, k)
		}
	}
}
