package remediation

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Store persists requests.
type Store interface {
	// Create inserts r. It returns ErrDuplicateRequest when an active request
	// already exists for (TenantID, ResourceID).
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, tenantID, id string) (*Request, error)
	// List returns matching requests, newest first.
	List(ctx context.Context, f Filter) ([]*Request, error)
	// Transition applies mutate only if the stored status is one of from, as a
	// single conditional write. A status outside from yields
	// ErrConcurrentModification.
	Transition(ctx context.Context, tenantID, id string, from []Status, mutate func(*Request)) (*Request, error)
}

// MemoryStore is a mutex-guarded Store for tests and single-process use.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*Request)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.reqs {
		if existing.TenantID == r.TenantID && existing.ResourceID == r.ResourceID && existing.Status.Active() {
			return ErrDuplicateRequest
		}
	}
	m.reqs[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reqs[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, r := range m.reqs {
		if f.matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, tenantID, id string, from []Status, mutate func(*Request)) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reqs[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, r.Status) {
		return nil, ErrConcurrentModification
	}
	next := r.Clone()
	mutate(next)
	m.reqs[id] = next
	return next.Clone(), nil
}
