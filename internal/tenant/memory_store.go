package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/syncutil"
)

// MemoryStore is an in-memory tenant store for demo/development and tests.
// The map is guarded by a read-write lock; UpdateIf additionally serializes
// writers per tenant on a sharded mutex so mutators never interleave.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant

	locks  syncutil.ShardedMutex
	events events.Store // optional; nil disables event recording
}

// NewMemoryStore creates an in-memory tenant store. Events recorded by
// mutations are appended to evts, which may be nil.
func NewMemoryStore(evts events.Store) *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		events:  evts,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Tenant, evts ...*events.Event) error {
	m.mu.Lock()
	if _, exists := m.tenants[t.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.tenants[t.ID] = t.Clone()
	m.mu.Unlock()

	m.record(ctx, evts)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) GetByProviderCustomerID(_ context.Context, customerID string) (*Tenant, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tenants {
		if t.ProviderCustomerID == customerID {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateIf runs the mutator on a private copy under the tenant's lock and
// swaps the copy in if it succeeds. Events returned by the mutator are
// recorded only after the swap, never on failure.
func (m *MemoryStore) UpdateIf(ctx context.Context, id string, mutate Mutator) (*Tenant, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	cur, ok := m.tenants[id]
	var work *Tenant
	if ok {
		work = cur.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	evts, err := mutate(work)
	if err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	m.tenants[id] = work
	m.mu.Unlock()

	m.record(ctx, evts)
	return work.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Tenant, int, error) {
	matches := m.filtered(q)
	sortTenants(matches, q.SortBy, q.SortOrder)

	total := len(matches)
	if q.Limit <= 0 {
		return matches, total, nil
	}
	if q.Offset >= total {
		return []*Tenant{}, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matches[q.Offset:end], total, nil
}

func (m *MemoryStore) Summarize(_ context.Context, q Query, defaultSeatPrice decimal.Decimal) (*Summary, error) {
	s := &Summary{MonthlyRevenue: decimal.Zero}
	for _, t := range m.filtered(q) {
		s.Tenants++
		s.PaidSeats += int64(t.PaidSeats)
		s.ActiveUsers += int64(t.ActiveUsers)
		s.MonthlyRevenue = s.MonthlyRevenue.Add(t.MonthlyRevenue(defaultSeatPrice))
	}
	return s, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Tenant
	for _, t := range m.tenants {
		if t.Environment != EnvProduction || !statusDue(t.BillingStatus) {
			continue
		}
		if t.NextBillingDate.After(now) {
			continue
		}
		due = append(due, t.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextBillingDate.Before(due[j].NextBillingDate) })
	return due, nil
}

// BackfillDefaults repairs tenants that predate billing: any record with a
// missing billing field gets the onboarding default for its environment.
// Records that are already complete are untouched, so a second run finds
// nothing to do.
func (m *MemoryStore) BackfillDefaults(ctx context.Context, p BackfillParams) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	repaired := 0
	for _, id := range ids {
		unlock := m.locks.Lock(id)

		m.mu.RLock()
		cur, ok := m.tenants[id]
		var work *Tenant
		if ok {
			work = cur.Clone()
		}
		m.mu.RUnlock()
		if !ok {
			unlock()
			continue
		}

		fields := missingBillingFields(work)
		if len(fields) == 0 {
			unlock()
			continue
		}

		work.ApplyDefaults(p.Now, p.GracePeriodDays)
		work.UpdatedAt = p.Now

		m.mu.Lock()
		m.tenants[id] = work
		m.mu.Unlock()
		unlock()

		repaired++
		m.record(ctx, []*events.Event{backfillEvent(work, fields, p.Actor)})
	}
	return repaired, nil
}

func (m *MemoryStore) record(ctx context.Context, evts []*events.Event) {
	if m.events == nil {
		return
	}
	for _, e := range evts {
		// Best effort: the memory event log has no failure modes worth
		// propagating into a committed tenant mutation.
		_ = m.events.Append(ctx, e)
	}
}

func (m *MemoryStore) filtered(q Query) []*Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if matchesQuery(t, q) {
			matches = append(matches, t.Clone())
		}
	}
	return matches
}

func matchesQuery(t *Tenant, q Query) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if t.BillingStatus == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Provider != "" && t.BillingProvider != q.Provider {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(t.Name), needle) &&
			!strings.Contains(strings.ToLower(t.ID), needle) {
			return false
		}
	}
	return true
}

func sortTenants(ts []*Tenant, sortBy, order string) {
	desc := strings.EqualFold(order, "desc")
	less := func(a, b *Tenant) bool { return a.CreatedAt.Before(b.CreatedAt) }

	switch sortBy {
	case "name":
		less = func(a, b *Tenant) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) }
	case "paid_seats":
		less = func(a, b *Tenant) bool { return a.PaidSeats < b.PaidSeats }
	case "active_users":
		less = func(a, b *Tenant) bool { return a.ActiveUsers < b.ActiveUsers }
	case "next_billing_date":
		less = func(a, b *Tenant) bool { return a.NextBillingDate.Before(b.NextBillingDate) }
	case "balance_due":
		less = func(a, b *Tenant) bool { return a.BalanceDue.LessThan(b.BalanceDue) }
	}

	sort.SliceStable(ts, func(i, j int) bool {
		if desc {
			return less(ts[j], ts[i])
		}
		return less(ts[i], ts[j])
	})
}

// missingBillingFields reports which billing fields have never been set.
// Zero seats counts as missing: no tenant is provisioned without seats, so
// a zero can only come from a record that predates billing.
func missingBillingFields(t *Tenant) []string {
	var fields []string
	if t.BillingStatus == "" {
		fields = append(fields, "billing_status")
	}
	if t.BillingCycle == "" {
		fields = append(fields, "billing_cycle")
	}
	if t.PaidSeats == 0 {
		fields = append(fields, "paid_seats")
	}
	if t.GracePeriodDays == 0 {
		fields = append(fields, "grace_period_days")
	}
	if t.NextBillingDate.IsZero() {
		fields = append(fields, "next_billing_date")
	}
	if t.BillingProvider == "" {
		fields = append(fields, "billing_provider")
	}
	return fields
}

func backfillEvent(t *Tenant, fields []string, actor string) *events.Event {
	return events.New(t.ID, events.TypeBillingBackfilled, actor, map[string]any{
		"fieldsApplied": fields,
		"billingStatus": string(t.BillingStatus),
		"paidSeats":     t.PaidSeats,
	})
}

var _ Store = (*MemoryStore)(nil)
