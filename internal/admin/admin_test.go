package admin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/pagination"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/tenant"
)

func newTestService(t *testing.T) (*Service, tenant.Store, events.Store) {
	t.Helper()
	evts := events.NewMemoryStore()
	tenants := tenant.NewMemoryStore(evts)
	pricingSvc := pricing.NewService(pricing.NewMemoryConfigStore(pricing.GlobalConfig{
		DefaultSeatPrice: decimal.RequireFromString("2.99"),
		Currency:         "USD",
	}), nil, nil)
	return NewService(tenants, pricingSvc, 7, nil), tenants, evts
}

func TestOnboardAppliesDefaults(t *testing.T) {
	svc, _, evts := newTestService(t)

	ten, err := svc.Onboard(context.Background(), OnboardParams{Name: "  Alpha Gardens ", Actor: "root_1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ten.ID, "ten_"))
	assert.Equal(t, "Alpha Gardens", ten.Name)
	assert.Equal(t, tenant.EnvProduction, ten.Environment)
	assert.Equal(t, tenant.StatusActive, ten.BillingStatus)
	assert.Equal(t, tenant.CycleMonthly, ten.BillingCycle)
	assert.Equal(t, tenant.ProviderManual, ten.BillingProvider)
	assert.Equal(t, 50, ten.PaidSeats)
	assert.Equal(t, 0, ten.ActiveUsers)
	assert.Equal(t, 7, ten.GracePeriodDays)
	assert.Equal(t, "149.5", ten.NextInvoiceAmount.String())
	assert.False(t, ten.NextBillingDate.IsZero())

	recorded, _, err := evts.ListByTenant(context.Background(), ten.ID, events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeTenantOnboarded, recorded[0].Type)
	assert.Equal(t, "root_1", recorded[0].Actor)
	assert.Equal(t, "active", recorded[0].Payload["billingStatus"])
}

func TestOnboardTrialingAndDemo(t *testing.T) {
	svc, _, _ := newTestService(t)

	trialing, err := svc.Onboard(context.Background(), OnboardParams{
		Name: "Beta Towers", Trialing: true, Actor: "root_1",
	})
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusTrialing, trialing.BillingStatus)

	// The trialing flag means nothing for demo tenants: they are always
	// status demo with the capped allotment.
	demo, err := svc.Onboard(context.Background(), OnboardParams{
		Name: "Gamma Demo", Environment: tenant.EnvDemo, Trialing: true, Actor: "root_1",
	})
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusDemo, demo.BillingStatus)
	assert.Equal(t, 10, demo.PaidSeats)
}

func TestOnboardValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Onboard(context.Background(), OnboardParams{Name: "   "})
	assert.ErrorIs(t, err, tenant.ErrNameRequired)

	_, err = svc.Onboard(context.Background(), OnboardParams{Name: "Delta", YearlyDiscountPercent: 60})
	assert.ErrorIs(t, err, pricing.ErrDiscountOutOfRange)
}

func TestOverviewFiltersAndTotals(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := svc.Onboard(ctx, OnboardParams{Name: name, Actor: "root_1"})
		require.NoError(t, err)
	}
	suspended, err := svc.Onboard(ctx, OnboardParams{Name: "Omega", Actor: "root_1"})
	require.NoError(t, err)

	// Park one tenant outside the active filter.
	_, err = svc.tenants.UpdateIf(ctx, suspended.ID, func(t *tenant.Tenant) ([]*events.Event, error) {
		t.BillingStatus = tenant.StatusSuspended
		return nil, nil
	})
	require.NoError(t, err)

	overview, err := svc.Overview(ctx, tenant.Query{Statuses: []tenant.Status{tenant.StatusActive}}, pagination.Params{Page: 1, PerPage: 2})
	require.NoError(t, err)

	assert.Len(t, overview.Condominiums, 2, "page is capped at per_page")
	assert.Equal(t, 3, overview.Total)
	assert.Equal(t, 3, overview.Totals.Tenants, "totals cover the whole filtered set")
	assert.Equal(t, int64(150), overview.Totals.PaidSeats)
	assert.Equal(t, "448.5", overview.Totals.MonthlyRevenue.String())

	last, err := svc.Overview(ctx, tenant.Query{Statuses: []tenant.Status{tenant.StatusActive}}, pagination.Params{Page: 2, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, last.Condominiums, 1)
}

func TestSetSeatPriceOverride(t *testing.T) {
	svc, _, evts := newTestService(t)
	ctx := context.Background()

	ten, err := svc.Onboard(ctx, OnboardParams{Name: "Alpha", Actor: "root_1"})
	require.NoError(t, err)

	updated, err := svc.SetSeatPriceOverride(ctx, ten.ID, decimal.RequireFromString("5.00"), "root_1")
	require.NoError(t, err)
	assert.True(t, updated.HasSeatPriceOverride())
	assert.Equal(t, "5", updated.SeatPriceOverride.String())

	cleared, err := svc.SetSeatPriceOverride(ctx, ten.ID, decimal.Zero, "root_1")
	require.NoError(t, err)
	assert.False(t, cleared.HasSeatPriceOverride())

	// Clearing an absent override changes nothing and records nothing.
	_, err = svc.SetSeatPriceOverride(ctx, ten.ID, decimal.Zero, "root_1")
	require.NoError(t, err)

	recorded, _, err := evts.ListByTenant(ctx, ten.ID, events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 3)
	assert.Equal(t, events.TypePricingOverrideCleared, recorded[0].Type)
	assert.Equal(t, "5", recorded[0].Payload["previous"])
	assert.Equal(t, events.TypePricingOverrideSet, recorded[1].Type)
	assert.Equal(t, "0", recorded[1].Payload["from"])
	assert.Equal(t, "5", recorded[1].Payload["to"])
	assert.Equal(t, events.TypeTenantOnboarded, recorded[2].Type)
}

func TestSetSeatPriceOverrideValidates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ten, err := svc.Onboard(ctx, OnboardParams{Name: "Alpha", Actor: "root_1"})
	require.NoError(t, err)

	for _, raw := range []string{"-1", "1000.01"} {
		_, err := svc.SetSeatPriceOverride(ctx, ten.ID, decimal.RequireFromString(raw), "root_1")
		assert.ErrorIs(t, err, pricing.ErrPriceOutOfRange, raw)
	}

	_, err = svc.SetSeatPriceOverride(ctx, "ten_missing", decimal.RequireFromString("5"), "root_1")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestBackfillIsIdempotent(t *testing.T) {
	svc, tenants, evts := newTestService(t)
	ctx := context.Background()

	// A record from before billing existed: name only.
	bare := &tenant.Tenant{
		ID:          "ten_legacy",
		Name:        "Legacy House",
		Environment: tenant.EnvProduction,
		CreatedAt:   time.Now().UTC().AddDate(-1, 0, 0),
	}
	require.NoError(t, tenants.Create(ctx, bare))

	complete, err := svc.Onboard(ctx, OnboardParams{Name: "Alpha", Actor: "root_1"})
	require.NoError(t, err)

	updated, err := svc.Backfill(ctx, "root_1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	repaired, err := tenants.Get(ctx, "ten_legacy")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, repaired.BillingStatus)
	assert.Equal(t, 50, repaired.PaidSeats)
	assert.Equal(t, 7, repaired.GracePeriodDays)
	assert.Equal(t, tenant.ProviderManual, repaired.BillingProvider)
	assert.False(t, repaired.NextBillingDate.IsZero())

	recorded, _, err := evts.ListByTenant(ctx, "ten_legacy", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeBillingBackfilled, recorded[0].Type)

	// Second run finds nothing to repair and leaves complete records alone.
	updated, err = svc.Backfill(ctx, "root_1")
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	untouched, err := tenants.Get(ctx, complete.ID)
	require.NoError(t, err)
	assert.Equal(t, complete.PaidSeats, untouched.PaidSeats)
}
