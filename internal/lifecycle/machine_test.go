package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/tenant"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestMachine(t *testing.T) (*Machine, tenant.Store, events.Store) {
	t.Helper()
	evts := events.NewMemoryStore()
	tenants := tenant.NewMemoryStore(evts)
	svc := pricing.NewService(pricing.NewMemoryConfigStore(pricing.GlobalConfig{
		DefaultSeatPrice: dec("2.99"),
		Currency:         "USD",
	}), nil, nil)
	return NewMachine(tenants, svc, 30, nil), tenants, evts
}

func seedWithStatus(t *testing.T, tenants tenant.Store, status tenant.Status, nextBilling time.Time) *tenant.Tenant {
	t.Helper()
	ten := &tenant.Tenant{
		ID:              "ten_life",
		Name:            "Harbor Point",
		Environment:     tenant.EnvProduction,
		BillingStatus:   status,
		BillingCycle:    tenant.CycleMonthly,
		PaidSeats:       50,
		ActiveUsers:     20,
		GracePeriodDays: 7,
		NextBillingDate: nextBilling,
	}
	if status == tenant.StatusDemo {
		ten.Environment = tenant.EnvDemo
		ten.PaidSeats = 10
		ten.ActiveUsers = 5
	}
	ten.ApplyDefaults(time.Now().UTC(), 7)
	require.NoError(t, tenants.Create(context.Background(), ten))
	return ten
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to tenant.Status }{
		{tenant.StatusDemo, tenant.StatusCancelled},
		{tenant.StatusTrialing, tenant.StatusActive},
		{tenant.StatusActive, tenant.StatusPendingPayment},
		{tenant.StatusActive, tenant.StatusUpgradePending},
		{tenant.StatusUpgradePending, tenant.StatusActive},
		{tenant.StatusPendingPayment, tenant.StatusPastDue},
		{tenant.StatusPendingPayment, tenant.StatusActive},
		{tenant.StatusPastDue, tenant.StatusSuspended},
		{tenant.StatusPastDue, tenant.StatusActive},
		{tenant.StatusSuspended, tenant.StatusActive},
		{tenant.StatusSuspended, tenant.StatusCancelled},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to tenant.Status }{
		{tenant.StatusDemo, tenant.StatusActive},
		{tenant.StatusDemo, tenant.StatusPendingPayment},
		{tenant.StatusActive, tenant.StatusSuspended},
		{tenant.StatusActive, tenant.StatusPastDue},
		{tenant.StatusPendingPayment, tenant.StatusSuspended},
		{tenant.StatusSuspended, tenant.StatusPastDue},
		{tenant.StatusCancelled, tenant.StatusActive},
		{tenant.StatusCancelled, tenant.StatusCancelled},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusActive, time.Now().AddDate(0, 1, 0))

	_, err := m.SetStatus(context.Background(), "ten_life", tenant.StatusSuspended, "root_1")
	require.Error(t, err)

	var trErr *TransitionError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, tenant.StatusActive, trErr.Current)
	assert.Equal(t, tenant.StatusSuspended, trErr.Target)

	ten, err := tenants.Get(context.Background(), "ten_life")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, ten.BillingStatus)
}

func TestSetStatusSameStateIsNoOp(t *testing.T) {
	m, tenants, evts := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusActive, time.Now().AddDate(0, 1, 0))

	ten, err := m.SetStatus(context.Background(), "ten_life", tenant.StatusActive, "root_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, ten.BillingStatus)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_life", events.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestCancelIsTerminal(t *testing.T) {
	m, tenants, evts := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusPastDue, time.Now().AddDate(0, 0, -20))

	ten, err := m.Cancel(context.Background(), "ten_life", "root_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusCancelled, ten.BillingStatus)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_life", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeTenantCancelled, recorded[0].Type)

	// Cancelled is terminal: no way back.
	_, err = m.SetStatus(context.Background(), "ten_life", tenant.StatusActive, "root_1")
	var trErr *TransitionError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, tenant.StatusCancelled, trErr.Current)

	// Cancelling again is a harmless no-op.
	_, err = m.Cancel(context.Background(), "ten_life", "root_1")
	require.NoError(t, err)
}

func TestAdvanceRollsOverDueCycle(t *testing.T) {
	m, tenants, evts := newTestMachine(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedWithStatus(t, tenants, tenant.StatusActive, now.AddDate(0, 0, -1))

	tr, err := m.Advance(context.Background(), "ten_life", now)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, tr.From)
	assert.Equal(t, tenant.StatusPendingPayment, tr.To)
	assert.Equal(t, "sweep", tr.Cause)

	ten := tr.Tenant
	assert.Equal(t, tenant.StatusPendingPayment, ten.BillingStatus)
	// 50 seats at the 2.99 global default.
	assert.True(t, ten.NextInvoiceAmount.Equal(dec("149.50")), "invoice %s", ten.NextInvoiceAmount)
	assert.True(t, ten.BalanceDue.Equal(dec("149.50")), "balance %s", ten.BalanceDue)
	assert.True(t, ten.TotalPaidCurrentCycle.IsZero())
	// Rollover keeps the anchor date; only a confirmed payment advances it.
	assert.Equal(t, now.AddDate(0, 0, -1), ten.NextBillingDate)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_life", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeCycleRolledOver, recorded[0].Type)
	assert.Equal(t, "149.5", recorded[0].Payload["invoiceAmount"])
}

func TestAdvanceNotDue(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	now := time.Now().UTC()
	seedWithStatus(t, tenants, tenant.StatusActive, now.AddDate(0, 0, 10))

	_, err := m.Advance(context.Background(), "ten_life", now)
	assert.ErrorIs(t, err, ErrNotDue)
}

func TestAdvanceGraceExpiry(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Inside the 7-day grace window: nothing happens yet.
	seedWithStatus(t, tenants, tenant.StatusPendingPayment, now.AddDate(0, 0, -6))
	_, err := m.Advance(context.Background(), "ten_life", now)
	assert.ErrorIs(t, err, ErrNotDue)

	// Push the anchor past the grace cutoff.
	_, err = m.tenants.UpdateIf(context.Background(), "ten_life", func(ten *tenant.Tenant) ([]*events.Event, error) {
		ten.NextBillingDate = now.AddDate(0, 0, -8)
		return nil, nil
	})
	require.NoError(t, err)

	tr, err := m.Advance(context.Background(), "ten_life", now)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusPastDue, tr.To)
}

func TestAdvanceSuspendsAfterSecondWindow(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Grace cutoff 7 days after the anchor, suspension 30 days after that.
	seedWithStatus(t, tenants, tenant.StatusPastDue, now.AddDate(0, 0, -36))
	_, err := m.Advance(context.Background(), "ten_life", now)
	assert.ErrorIs(t, err, ErrNotDue)

	_, err = m.tenants.UpdateIf(context.Background(), "ten_life", func(ten *tenant.Tenant) ([]*events.Event, error) {
		ten.NextBillingDate = now.AddDate(0, 0, -38)
		return nil, nil
	})
	require.NoError(t, err)

	tr, err := m.Advance(context.Background(), "ten_life", now)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, tr.To)
}

func TestAdvanceSkipsNonEscalatableStatuses(t *testing.T) {
	for _, status := range []tenant.Status{
		tenant.StatusDemo,
		tenant.StatusTrialing,
		tenant.StatusUpgradePending,
		tenant.StatusSuspended,
		tenant.StatusCancelled,
	} {
		m, tenants, _ := newTestMachine(t)
		seedWithStatus(t, tenants, status, time.Now().AddDate(0, -6, 0))

		_, err := m.Advance(context.Background(), "ten_life", time.Now().UTC())
		assert.ErrorIs(t, err, ErrNotDue, "status %s", status)
	}
}

func TestConfirmPaymentPartialThenFull(t *testing.T) {
	m, tenants, evts := newTestMachine(t)
	anchor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedWithStatus(t, tenants, tenant.StatusActive, anchor)

	// Roll the cycle over first so there is an invoice to settle.
	_, err := m.Advance(context.Background(), "ten_life", anchor.AddDate(0, 0, 1))
	require.NoError(t, err)

	// Partial payment: accumulates, no transition.
	res, err := m.ConfirmPayment(context.Background(), "ten_life", dec("100.00"), "root_1")
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.Equal(t, tenant.StatusPendingPayment, res.Tenant.BillingStatus)
	assert.True(t, res.Tenant.BalanceDue.Equal(dec("49.50")), "balance %s", res.Tenant.BalanceDue)
	assert.True(t, res.Tenant.TotalPaidCurrentCycle.Equal(dec("100.00")))

	// Remainder: settles the cycle and reactivates.
	res, err = m.ConfirmPayment(context.Background(), "ten_life", dec("49.50"), "root_1")
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	ten := res.Tenant
	assert.Equal(t, tenant.StatusActive, ten.BillingStatus)
	assert.True(t, ten.BalanceDue.IsZero(), "balance %s", ten.BalanceDue)
	assert.True(t, ten.TotalPaidCurrentCycle.IsZero())
	assert.Equal(t, anchor.AddDate(0, 1, 0), ten.NextBillingDate)
	assert.True(t, ten.NextInvoiceAmount.Equal(dec("149.50")), "next invoice %s", ten.NextInvoiceAmount)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_life", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 3)
	// Most recent first.
	assert.Equal(t, events.TypePaymentConfirmed, recorded[0].Type)
	assert.Equal(t, events.TypePaymentRecorded, recorded[1].Type)
	assert.Equal(t, events.TypeCycleRolledOver, recorded[2].Type)
}

func TestConfirmPaymentOverpaymentFloorsBalance(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	anchor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedWithStatus(t, tenants, tenant.StatusActive, anchor)
	_, err := m.Advance(context.Background(), "ten_life", anchor.AddDate(0, 0, 1))
	require.NoError(t, err)

	res, err := m.ConfirmPayment(context.Background(), "ten_life", dec("200.00"), "root_1")
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.True(t, res.Tenant.BalanceDue.IsZero(), "balance %s", res.Tenant.BalanceDue)
}

func TestConfirmPaymentReactivatesSuspended(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusSuspended, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := m.tenants.UpdateIf(context.Background(), "ten_life", func(ten *tenant.Tenant) ([]*events.Event, error) {
		ten.NextInvoiceAmount = dec("149.50")
		ten.BalanceDue = dec("149.50")
		return nil, nil
	})
	require.NoError(t, err)

	res, err := m.ConfirmPayment(context.Background(), "ten_life", dec("149.50"), "root_1")
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Equal(t, tenant.StatusActive, res.Tenant.BillingStatus)
}

func TestConfirmPaymentRejectsDemoAndCancelled(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusDemo, time.Now().AddDate(0, 1, 0))

	_, err := m.ConfirmPayment(context.Background(), "ten_life", dec("10.00"), "root_1")
	var trErr *TransitionError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, tenant.StatusDemo, trErr.Current)

	m2, tenants2, _ := newTestMachine(t)
	seedWithStatus(t, tenants2, tenant.StatusActive, time.Now().AddDate(0, 1, 0))
	_, err = m2.Cancel(context.Background(), "ten_life", "root_1")
	require.NoError(t, err)
	_, err = m2.ConfirmPayment(context.Background(), "ten_life", dec("10.00"), "root_1")
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, tenant.StatusCancelled, trErr.Current)
}

func TestConfirmPaymentRejectsNonPositiveAmount(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusPendingPayment, time.Now().UTC())

	_, err := m.ConfirmPayment(context.Background(), "ten_life", decimal.Zero, "root_1")
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = m.ConfirmPayment(context.Background(), "ten_life", dec("-5"), "root_1")
	assert.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestTransitionHooksFireAfterCommit(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	seedWithStatus(t, tenants, tenant.StatusActive, time.Now().AddDate(0, 1, 0))

	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	_, err := m.Cancel(context.Background(), "ten_life", "root_1")
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, tenant.StatusActive, seen[0].From)
	assert.Equal(t, tenant.StatusCancelled, seen[0].To)
	assert.Equal(t, "operator", seen[0].Cause)
	require.NotNil(t, seen[0].Tenant)
	assert.Equal(t, tenant.StatusCancelled, seen[0].Tenant.BillingStatus)
}

func TestPaymentHooksFireAfterCommit(t *testing.T) {
	m, tenants, _ := newTestMachine(t)
	ten := seedWithStatus(t, tenants, tenant.StatusPendingPayment, time.Now().UTC())
	_, err := tenants.UpdateIf(context.Background(), ten.ID, func(t *tenant.Tenant) ([]*events.Event, error) {
		t.NextInvoiceAmount = dec("149.50")
		t.BalanceDue = dec("149.50")
		return nil, nil
	})
	require.NoError(t, err)

	var seen []PaymentResult
	m.OnPayment(func(res *PaymentResult) { seen = append(seen, *res) })

	_, err = m.ConfirmPayment(context.Background(), "ten_life", dec("100.00"), "root_1")
	require.NoError(t, err)
	_, err = m.ConfirmPayment(context.Background(), "ten_life", dec("49.50"), "root_1")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.False(t, seen[0].Confirmed)
	assert.True(t, seen[0].Applied.Equal(dec("100.00")))
	assert.True(t, seen[1].Confirmed)
	assert.Equal(t, tenant.StatusActive, seen[1].Tenant.BillingStatus)

	// A rejected payment fires nothing.
	_, err = m.ConfirmPayment(context.Background(), "ten_life", dec("-1"), "root_1")
	require.Error(t, err)
	assert.Len(t, seen, 2)
}
