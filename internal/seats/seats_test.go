package seats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/tenant"
)

func newTestManager(t *testing.T) (*Manager, tenant.Store, events.Store) {
	t.Helper()
	evts := events.NewMemoryStore()
	tenants := tenant.NewMemoryStore(evts)
	return NewManager(tenants, nil), tenants, evts
}

func seedTenant(t *testing.T, tenants tenant.Store, paid, active int) *tenant.Tenant {
	t.Helper()
	ten := &tenant.Tenant{
		ID:          "ten_seed",
		Name:        "Lakeside Towers",
		Environment: tenant.EnvProduction,
		PaidSeats:   paid,
		ActiveUsers: active,
	}
	ten.ApplyDefaults(time.Now().UTC(), 7)
	require.NoError(t, tenants.Create(context.Background(), ten))
	return ten
}

func TestConsumeIncrementsAndRecordsEvent(t *testing.T) {
	mgr, tenants, evts := newTestManager(t)
	seedTenant(t, tenants, 10, 3)

	updated, err := mgr.Consume(context.Background(), "ten_seed", "usr_new", "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.ActiveUsers)
	assert.Equal(t, 10, updated.PaidSeats)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_seed", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeSeatConsumed, recorded[0].Type)
	assert.Equal(t, "usr_admin", recorded[0].Actor)
	assert.Equal(t, "usr_new", recorded[0].Payload["userId"])
	assert.Equal(t, 4, recorded[0].Payload["activeUsers"])
}

func TestConsumeAtCapacity(t *testing.T) {
	mgr, tenants, evts := newTestManager(t)
	seedTenant(t, tenants, 10, 10)

	_, err := mgr.Consume(context.Background(), "ten_seed", "usr_11", "usr_admin")
	require.Error(t, err)

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 10, capErr.ActiveUsers)
	assert.Equal(t, 10, capErr.PaidSeats)
	assert.Equal(t, "no seats available: 10 of 10 in use", capErr.Error())

	// Denied admission changes nothing and records nothing.
	ten, err := tenants.Get(context.Background(), "ten_seed")
	require.NoError(t, err)
	assert.Equal(t, 10, ten.ActiveUsers)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_seed", events.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestConsumeRejectsSelfService(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 3)

	_, err := mgr.Consume(context.Background(), "ten_seed", "usr_admin", "usr_admin")
	assert.ErrorIs(t, err, ErrSelfService)

	_, err = mgr.Release(context.Background(), "ten_seed", "usr_admin", "usr_admin")
	assert.ErrorIs(t, err, ErrSelfService)

	ten, err := tenants.Get(context.Background(), "ten_seed")
	require.NoError(t, err)
	assert.Equal(t, 3, ten.ActiveUsers)
}

func TestReleaseDecrementsAndFloorsAtZero(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 1)

	updated, err := mgr.Release(context.Background(), "ten_seed", "usr_a", "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, 0, updated.ActiveUsers)

	// Replayed deactivations must not drive the count negative.
	updated, err = mgr.Release(context.Background(), "ten_seed", "usr_a", "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, 0, updated.ActiveUsers)
}

func TestConcurrentConsumeNeverOversells(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 0)

	const attempts = 25
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := mgr.Consume(context.Background(), "ten_seed", "usr_worker", "usr_admin")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	granted, denied := 0, 0
	for err := range errs {
		if err == nil {
			granted++
			continue
		}
		var capErr *CapacityError
		require.True(t, errors.As(err, &capErr), "unexpected error: %v", err)
		denied++
	}
	assert.Equal(t, 10, granted)
	assert.Equal(t, attempts-10, denied)

	ten, err := tenants.Get(context.Background(), "ten_seed")
	require.NoError(t, err)
	assert.Equal(t, 10, ten.ActiveUsers)
}

func TestAvailability(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 8)

	avail, err := mgr.Availability(context.Background(), "ten_seed")
	require.NoError(t, err)
	assert.True(t, avail.CanCreateUser)
	assert.Equal(t, 8, avail.ActiveUsers)
	assert.Equal(t, 10, avail.PaidSeats)
	assert.Equal(t, 2, avail.SeatsAvailable)
	assert.Equal(t, tenant.StatusActive, avail.BillingStatus)

	for i := 0; i < 2; i++ {
		_, err = mgr.Consume(context.Background(), "ten_seed", "usr_x", "usr_admin")
		require.NoError(t, err)
	}
	avail, err = mgr.Availability(context.Background(), "ten_seed")
	require.NoError(t, err)
	assert.False(t, avail.CanCreateUser)
	assert.Equal(t, 0, avail.SeatsAvailable)
}

func TestReduceLimitBelowActiveUsers(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 8)

	_, err := mgr.ReduceLimit(context.Background(), "ten_seed", 5, "usr_root")
	require.Error(t, err)

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "3 users must be deactivated first", capErr.Error())
	assert.Equal(t, 5, capErr.TargetLimit)

	ten, err := tenants.Get(context.Background(), "ten_seed")
	require.NoError(t, err)
	assert.Equal(t, 10, ten.PaidSeats)
}

func TestReduceLimitSingularMessage(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 6)

	_, err := mgr.ReduceLimit(context.Background(), "ten_seed", 5, "usr_root")
	require.Error(t, err)
	assert.Equal(t, "1 user must be deactivated first", err.Error())
}

func TestReduceLimitSucceedsAtExactFit(t *testing.T) {
	mgr, tenants, evts := newTestManager(t)
	seedTenant(t, tenants, 10, 8)

	updated, err := mgr.ReduceLimit(context.Background(), "ten_seed", 8, "usr_root")
	require.NoError(t, err)
	assert.Equal(t, 8, updated.PaidSeats)
	assert.Equal(t, 8, updated.ActiveUsers)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_seed", events.ListOptions{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, events.TypeSeatLimitReduced, recorded[0].Type)
	assert.Equal(t, 10, recorded[0].Payload["from"])
	assert.Equal(t, 8, recorded[0].Payload["to"])
}

func TestReduceLimitNoOpAndRaiseRejected(t *testing.T) {
	mgr, tenants, evts := newTestManager(t)
	seedTenant(t, tenants, 10, 3)

	// Same limit: nothing to do, no event.
	updated, err := mgr.ReduceLimit(context.Background(), "ten_seed", 10, "usr_root")
	require.NoError(t, err)
	assert.Equal(t, 10, updated.PaidSeats)

	recorded, _, err := evts.ListByTenant(context.Background(), "ten_seed", events.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, recorded)

	// Raises are purchases, not limit edits.
	_, err = mgr.ReduceLimit(context.Background(), "ten_seed", 20, "usr_root")
	assert.ErrorIs(t, err, ErrNotAReduction)
}

func TestReduceLimitValidatesRange(t *testing.T) {
	mgr, tenants, _ := newTestManager(t)
	seedTenant(t, tenants, 10, 3)

	_, err := mgr.ReduceLimit(context.Background(), "ten_seed", 0, "usr_root")
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = mgr.ReduceLimit(context.Background(), "ten_seed", 10001, "usr_root")
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestSeatOpsUnknownTenant(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.Consume(context.Background(), "ten_ghost", "usr_a", "usr_admin")
	assert.ErrorIs(t, err, tenant.ErrNotFound)

	_, err = mgr.Availability(context.Background(), "ten_ghost")
	assert.ErrorIs(t, err, tenant.ErrNotFound)
}
