package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condohq/seatbill/internal/events"
)

func newProduction(id, name string) *Tenant {
	t := &Tenant{
		ID:          id,
		Name:        name,
		Environment: EnvProduction,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	t.ApplyDefaults(time.Now().UTC(), 7)
	return t
}

func TestApplyDefaults_Production(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ten := &Tenant{ID: "ten_1", Name: "Vista Towers", Environment: EnvProduction}
	ten.ApplyDefaults(now, 7)

	assert.Equal(t, StatusActive, ten.BillingStatus)
	assert.Equal(t, CycleMonthly, ten.BillingCycle)
	assert.Equal(t, DefaultSeatsProduction, ten.PaidSeats)
	assert.Equal(t, 7, ten.GracePeriodDays)
	assert.Equal(t, now.AddDate(0, 1, 0), ten.NextBillingDate)
	assert.Equal(t, ProviderManual, ten.BillingProvider)
	assert.True(t, ten.BalanceDue.IsZero())
}

func TestApplyDefaults_DemoCapsSeats(t *testing.T) {
	now := time.Now().UTC()

	demo := &Tenant{ID: "ten_2", Name: "Demo HOA", Environment: EnvDemo}
	demo.ApplyDefaults(now, 7)
	assert.Equal(t, StatusDemo, demo.BillingStatus)
	assert.Equal(t, DemoSeatCap, demo.PaidSeats)

	// Even an explicit larger allotment is capped for demo tenants.
	greedy := &Tenant{ID: "ten_3", Name: "Greedy Demo", Environment: EnvDemo, PaidSeats: 500}
	greedy.ApplyDefaults(now, 7)
	assert.Equal(t, DemoSeatCap, greedy.PaidSeats)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	now := time.Now().UTC()
	ten := &Tenant{
		ID: "ten_4", Name: "Yearly Co", Environment: EnvProduction,
		BillingCycle: CycleYearly, PaidSeats: 120, GracePeriodDays: 14,
	}
	ten.ApplyDefaults(now, 7)

	assert.Equal(t, CycleYearly, ten.BillingCycle)
	assert.Equal(t, 120, ten.PaidSeats)
	assert.Equal(t, 14, ten.GracePeriodDays)
	assert.Equal(t, now.AddDate(1, 0, 0), ten.NextBillingDate)
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	ten := newProduction("ten_a", "Alpha")
	require.NoError(t, s.Create(ctx, ten))
	assert.ErrorIs(t, s.Create(ctx, ten), ErrAlreadyExists)

	got, err := s.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Name)

	// The store hands out copies; mutating them must not leak back.
	got.ActiveUsers = 99
	again, err := s.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, 0, again.ActiveUsers)

	_, err = s.Get(ctx, "ten_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetByProviderCustomerID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	ten := newProduction("ten_a", "Alpha")
	ten.BillingProvider = ProviderStripe
	ten.ProviderCustomerID = "cus_123"
	require.NoError(t, s.Create(ctx, ten))

	got, err := s.GetByProviderCustomerID(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "ten_a", got.ID)

	_, err = s.GetByProviderCustomerID(ctx, "cus_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByProviderCustomerID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateIf(t *testing.T) {
	ctx := context.Background()
	evts := events.NewMemoryStore()
	s := NewMemoryStore(evts)
	require.NoError(t, s.Create(ctx, newProduction("ten_a", "Alpha")))

	updated, err := s.UpdateIf(ctx, "ten_a", func(ten *Tenant) ([]*events.Event, error) {
		ten.ActiveUsers++
		return []*events.Event{events.New(ten.ID, events.TypeSeatConsumed, "admin", nil)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ActiveUsers)

	recorded, _, err := evts.ListByTenant(ctx, "ten_a", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeSeatConsumed, recorded[0].Type)
}

func TestMemoryStore_UpdateIfErrorAbortsAndRecordsNothing(t *testing.T) {
	ctx := context.Background()
	evts := events.NewMemoryStore()
	s := NewMemoryStore(evts)
	require.NoError(t, s.Create(ctx, newProduction("ten_a", "Alpha")))

	boom := errors.New("boom")
	_, err := s.UpdateIf(ctx, "ten_a", func(ten *Tenant) ([]*events.Event, error) {
		ten.ActiveUsers = 42
		return []*events.Event{events.New(ten.ID, events.TypeSeatConsumed, "admin", nil)}, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveUsers, "failed mutation must not be visible")

	recorded, _, err := evts.ListByTenant(ctx, "ten_a", events.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, recorded, "failed mutation must not record events")

	_, err = s.UpdateIf(ctx, "ten_missing", func(*Tenant) ([]*events.Event, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

// Hammer one tenant with concurrent guarded increments: the guard must hold
// exactly, never admitting past the seat limit.
func TestMemoryStore_UpdateIfConcurrentGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	ten := newProduction("ten_a", "Alpha")
	ten.PaidSeats = 10
	require.NoError(t, s.Create(ctx, ten))

	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateIf(ctx, "ten_a", func(ten *Tenant) ([]*events.Event, error) {
				if ten.ActiveUsers >= ten.PaidSeats {
					return nil, errors.New("full")
				}
				ten.ActiveUsers++
				return nil, nil
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	got, err := s.Get(ctx, "ten_a")
	require.NoError(t, err)
	assert.Equal(t, 10, got.ActiveUsers)
}

func TestMemoryStore_ListFiltersSortsAndPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	seed := []struct {
		id, name string
		status   Status
		provider string
		seats    int
	}{
		{"ten_a", "Alpha Gardens", StatusActive, ProviderManual, 50},
		{"ten_b", "Beta Lofts", StatusPastDue, ProviderStripe, 80},
		{"ten_c", "Gamma Square", StatusActive, ProviderStripe, 20},
		{"ten_d", "Delta Court", StatusSuspended, ProviderManual, 10},
	}
	for _, row := range seed {
		ten := newProduction(row.id, row.name)
		ten.BillingStatus = row.status
		ten.BillingProvider = row.provider
		ten.PaidSeats = row.seats
		require.NoError(t, s.Create(ctx, ten))
	}

	list, total, err := s.List(ctx, Query{Statuses: []Status{StatusActive}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 2)

	list, total, err = s.List(ctx, Query{Provider: ProviderStripe, SortBy: "paid_seats", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "ten_b", list[0].ID)

	list, total, err = s.List(ctx, Query{Search: "gardens"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "ten_a", list[0].ID)

	// Sorted by name: Alpha, Beta, Delta, Gamma — second page starts at Delta.
	list, total, err = s.List(ctx, Query{SortBy: "name", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, list, 2)
	assert.Equal(t, "ten_d", list[0].ID)
	assert.Equal(t, "ten_c", list[1].ID)
}

func TestMemoryStore_Summarize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	a := newProduction("ten_a", "Alpha")
	a.PaidSeats = 50
	a.ActiveUsers = 30
	require.NoError(t, s.Create(ctx, a))

	b := newProduction("ten_b", "Beta")
	b.PaidSeats = 100
	b.ActiveUsers = 90
	b.SeatPriceOverride = decimal.RequireFromString("1.50")
	b.BillingCycle = CycleYearly
	b.YearlyDiscountPercent = 25
	require.NoError(t, s.Create(ctx, b))

	sum, err := s.Summarize(ctx, Query{}, decimal.RequireFromString("2.99"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Tenants)
	assert.EqualValues(t, 150, sum.PaidSeats)
	assert.EqualValues(t, 120, sum.ActiveUsers)
	// 50×2.99 + 100×1.50×0.75 = 149.50 + 112.50
	assert.Equal(t, "262", sum.MonthlyRevenue.String())
}

func TestMemoryStore_ListDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	due := newProduction("ten_due", "Due")
	due.NextBillingDate = now.AddDate(0, 0, -1)
	require.NoError(t, s.Create(ctx, due))

	future := newProduction("ten_future", "Future")
	future.NextBillingDate = now.AddDate(0, 0, 10)
	require.NoError(t, s.Create(ctx, future))

	demo := &Tenant{ID: "ten_demo", Name: "Demo", Environment: EnvDemo}
	demo.ApplyDefaults(now.AddDate(0, -2, 0), 7)
	require.NoError(t, s.Create(ctx, demo))

	paused := newProduction("ten_upg", "Mid Upgrade")
	paused.BillingStatus = StatusUpgradePending
	paused.NextBillingDate = now.AddDate(0, 0, -3)
	require.NoError(t, s.Create(ctx, paused))

	got, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ten_due", got[0].ID)
}

func TestMemoryStore_BackfillDefaults(t *testing.T) {
	ctx := context.Background()
	evts := events.NewMemoryStore()
	s := NewMemoryStore(evts)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	// A pre-billing record: only identity fields present.
	legacy := &Tenant{ID: "ten_old", Name: "Legacy Manor", Environment: EnvProduction, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Create(ctx, legacy))

	complete := newProduction("ten_new", "Modern Towers")
	complete.PaidSeats = 75
	require.NoError(t, s.Create(ctx, complete))

	n, err := s.BackfillDefaults(ctx, BackfillParams{GracePeriodDays: 7, Now: now, Actor: "root@hq"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	repaired, err := s.Get(ctx, "ten_old")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, repaired.BillingStatus)
	assert.Equal(t, DefaultSeatsProduction, repaired.PaidSeats)
	assert.Equal(t, CycleMonthly, repaired.BillingCycle)

	untouched, err := s.Get(ctx, "ten_new")
	require.NoError(t, err)
	assert.Equal(t, 75, untouched.PaidSeats)

	recorded, _, err := evts.ListByTenant(ctx, "ten_old", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeBillingBackfilled, recorded[0].Type)

	// Second run finds nothing to repair.
	n, err = s.BackfillDefaults(ctx, BackfillParams{GracePeriodDays: 7, Now: now, Actor: "root@hq"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMonthlyRevenue(t *testing.T) {
	def := decimal.RequireFromString("2.99")

	monthly := newProduction("ten_m", "Monthly")
	monthly.PaidSeats = 100
	assert.Equal(t, "299", monthly.MonthlyRevenue(def).String())

	yearly := newProduction("ten_y", "Yearly")
	yearly.PaidSeats = 100
	yearly.BillingCycle = CycleYearly
	yearly.YearlyDiscountPercent = 25
	yearly.SeatPriceOverride = decimal.RequireFromString("1.50")
	assert.Equal(t, "112.5", yearly.MonthlyRevenue(def).String())
}

func TestCycleAdvance(t *testing.T) {
	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), CycleMonthly.Advance(from))
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), CycleYearly.Advance(from))
}
