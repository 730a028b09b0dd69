package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/condohq/seatbill/internal/pagination"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	sink   func(*Event)
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, &cp)
	s.mu.Unlock()

	s.Notify(&cp)
	return nil
}

func (s *MemoryStore) ListByTenant(_ context.Context, tenantID string, opts ListOptions) ([]*Event, string, error) {
	limit, err := normalizeLimit(opts.Limit)
	if err != nil {
		return nil, "", err
	}
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	var matched []*Event
	for _, e := range s.events {
		if e.TenantID != tenantID {
			continue
		}
		if cursor != nil {
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	// Most recent first; id breaks timestamp ties deterministically.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > limit {
		matched = matched[:limit+1]
	}
	page, next, _ := pagination.ComputePage(matched, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func (s *MemoryStore) SetSink(fn func(*Event)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

func (s *MemoryStore) Notify(evts ...*Event) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return
	}
	for _, e := range evts {
		sink(e)
	}
}
