package safety

import (
	"context"
	"math"
	"sync"
	"time"
)

// StateStore persists breaker state. Mutate must apply fn atomically with
// respect to other Mutate calls for the same tenant, and must not persist
// anything when fn returns an error.
type StateStore interface {
	Load(ctx context.Context, tenantID string) (BreakerState, error)
	Mutate(ctx context.Context, tenantID string, fn func(*BreakerState) error) (BreakerState, error)
	DailySavings(ctx context.Context, tenantID string, day time.Time) (float64, error)
	// ReserveDailySavings adds amount to the day's total only if the result
	// stays within limit, as one atomic step. It returns the total after the
	// call and whether the amount was reserved.
	ReserveDailySavings(ctx context.Context, tenantID string, day time.Time, amount, limit float64) (float64, bool, error)
	// RefundDailySavings takes amount back off the day's total, never below zero.
	RefundDailySavings(ctx context.Context, tenantID string, day time.Time, amount float64) (float64, error)
	Reset(ctx context.Context, tenantID string) error
}

func dayKey(t time.Time) string { return t.UTC().Format("20060102") }

// MemoryStore is an in-process StateStore. Savings buckets older than the
// current day are swept on every write.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]BreakerState
	savings map[string]map[string]float64 // tenant -> day -> usd
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]BreakerState),
		savings: make(map[string]map[string]float64),
	}
}

func (m *MemoryStore) Load(ctx context.Context, tenantID string) (BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.states[tenantID]), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, tenantID string, fn func(*BreakerState) error) (BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := copyState(m.states[tenantID])
	if err := fn(&st); err != nil {
		return copyState(m.states[tenantID]), err
	}
	m.states[tenantID] = st
	return copyState(st), nil
}

func (m *MemoryStore) DailySavings(ctx context.Context, tenantID string, day time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savings[tenantID][dayKey(day)], nil
}

func (m *MemoryStore) ReserveDailySavings(ctx context.Context, tenantID string, day time.Time, amount, limit float64) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := m.bucketsFor(tenantID, day)
	key := dayKey(day)
	if buckets[key]+amount > limit {
		return buckets[key], false, nil
	}
	buckets[key] += amount
	return buckets[key], true, nil
}

func (m *MemoryStore) RefundDailySavings(ctx context.Context, tenantID string, day time.Time, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey(day)
	buckets := m.savings[tenantID]
	if _, ok := buckets[key]; !ok {
		return 0, nil
	}
	buckets[key] = math.Max(0, buckets[key]-amount)
	return buckets[key], nil
}

// bucketsFor returns the tenant's buckets with days before day swept.
func (m *MemoryStore) bucketsFor(tenantID string, day time.Time) map[string]float64 {
	key := dayKey(day)
	buckets := m.savings[tenantID]
	if buckets == nil {
		buckets = make(map[string]float64)
		m.savings[tenantID] = buckets
	}
	for k := range buckets {
		if k < key {
			delete(buckets, k)
		}
	}
	return buckets
}

func (m *MemoryStore) Reset(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, tenantID)
	delete(m.savings, tenantID)
	return nil
}

func copyState(s BreakerState) BreakerState {
	if s.LastFailureAt != nil {
		t := *s.LastFailureAt
		s.LastFailureAt = &t
	}
	if s.LastSuccessAt != nil {
		t := *s.LastSuccessAt
		s.LastSuccessAt = &t
	}
	return s
}
