package upgrade

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists upgrade requests. Create enforces the one-pending-per-tenant
// invariant atomically; Resolve is a conditional transition out of pending.
type Store interface {
	// Create inserts a new pending request. Returns ErrPendingExists when the
	// tenant already has one pending.
	Create(ctx context.Context, r *Request) error
	// Get returns a request by id.
	Get(ctx context.Context, id string) (*Request, error)
	// PendingByTenant returns the tenant's pending request, or ErrNotFound.
	PendingByTenant(ctx context.Context, tenantID string) (*Request, error)
	// ListPending returns all pending requests, oldest first.
	ListPending(ctx context.Context) ([]*Request, error)
	// Resolve moves a pending request to the given terminal status. A request
	// that is no longer pending returns a ResolvedError with its actual
	// status; this is the idempotency gate for the whole workflow.
	Resolve(ctx context.Context, id string, to RequestStatus, resolvedBy, note string, at time.Time) (*Request, error)
}

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	pending  map[string]string // tenantID -> pending request id
}

// NewMemoryStore creates an in-memory upgrade request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		pending:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[r.TenantID]; exists {
		return ErrPendingExists
	}
	cp := r.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.requests[cp.ID] = cp
	m.pending[cp.TenantID] = cp.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) PendingByTenant(_ context.Context, tenantID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pending[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.requests[id].Clone(), nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Request, 0, len(m.pending))
	for _, id := range m.pending {
		out = append(out, m.requests[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, to RequestStatus, resolvedBy, note string, at time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusPending {
		return nil, &ResolvedError{Status: r.Status}
	}

	r.Status = to
	r.ResolvedBy = resolvedBy
	r.ResolutionNote = note
	resolvedAt := at.UTC()
	r.ResolvedAt = &resolvedAt
	delete(m.pending, r.TenantID)
	return r.Clone(), nil
}
