// Package seats admits and releases users against a tenant's paid seat
// allotment. Every mutation is a single conditional update on the tenant
// store: the capacity check and the counter change commit together or not
// at all, so concurrent activations can never oversell seats.
package seats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/logging"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/tenant"
)

// Errors
var (
	// ErrSelfService rejects actors operating on their own seat, before any
	// store access.
	ErrSelfService = errors.New("actors cannot change their own seat")
	// ErrInvalidLimit rejects non-positive or oversized seat limits.
	ErrInvalidLimit = errors.New("invalid seat limit")
	// ErrNotAReduction signals the target limit is above the current one;
	// raises go through the purchase path instead.
	ErrNotAReduction = errors.New("target limit exceeds current allotment")
)

// CapacityError reports a denied admission or limit reduction together with
// the counts the caller needs to act on it.
type CapacityError struct {
	ActiveUsers int `json:"activeUsers"`
	PaidSeats   int `json:"paidSeats"`
	// TargetLimit is set when a limit reduction was denied.
	TargetLimit int `json:"targetLimit,omitempty"`
}

func (e *CapacityError) Error() string {
	if e.TargetLimit > 0 {
		excess := e.ActiveUsers - e.TargetLimit
		noun := "users"
		if excess == 1 {
			noun = "user"
		}
		return fmt.Sprintf("%d %s must be deactivated first", excess, noun)
	}
	return fmt.Sprintf("no seats available: %d of %d in use", e.ActiveUsers, e.PaidSeats)
}

// Availability is the read-only capacity snapshot behind can-create-user.
type Availability struct {
	CanCreateUser  bool          `json:"canCreateUser"`
	ActiveUsers    int           `json:"activeUsers"`
	PaidSeats      int           `json:"paidSeats"`
	SeatsAvailable int           `json:"seatsAvailable"`
	BillingStatus  tenant.Status `json:"billingStatus"`
}

// Manager guards seat admission for all tenants.
type Manager struct {
	tenants tenant.Store
	logger  *slog.Logger
}

// NewManager creates a seat manager.
func NewManager(tenants tenant.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tenants: tenants, logger: logger}
}

// Consume admits one user: checks capacity and increments active_users as
// one indivisible operation. On a full tenant it returns a CapacityError
// carrying the current counts and nothing changes.
func (m *Manager) Consume(ctx context.Context, tenantID, userID, actor string) (*tenant.Tenant, error) {
	if userID != "" && userID == actor {
		metrics.SeatOperationsTotal.WithLabelValues("consume", "self_service").Inc()
		return nil, ErrSelfService
	}

	t, err := m.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		if t.ActiveUsers >= t.PaidSeats {
			return nil, &CapacityError{ActiveUsers: t.ActiveUsers, PaidSeats: t.PaidSeats}
		}
		t.ActiveUsers++
		return []*events.Event{events.New(t.ID, events.TypeSeatConsumed, actor, map[string]any{
			"userId":      userID,
			"activeUsers": t.ActiveUsers,
			"paidSeats":   t.PaidSeats,
		})}, nil
	})
	m.count("consume", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Debug("seat consumed",
		"tenant", tenantID, "user", userID, "active", t.ActiveUsers, "paid", t.PaidSeats)
	return t, nil
}

// Release frees one seat, floored at zero. Releasing an empty tenant is not
// an error: the user directory is the source of truth for deactivations and
// may replay them.
func (m *Manager) Release(ctx context.Context, tenantID, userID, actor string) (*tenant.Tenant, error) {
	if userID != "" && userID == actor {
		metrics.SeatOperationsTotal.WithLabelValues("release", "self_service").Inc()
		return nil, ErrSelfService
	}

	t, err := m.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		if t.ActiveUsers > 0 {
			t.ActiveUsers--
		}
		return []*events.Event{events.New(t.ID, events.TypeSeatReleased, actor, map[string]any{
			"userId":      userID,
			"activeUsers": t.ActiveUsers,
			"paidSeats":   t.PaidSeats,
		})}, nil
	})
	m.count("release", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Debug("seat released",
		"tenant", tenantID, "user", userID, "active", t.ActiveUsers)
	return t, nil
}

// Availability is the non-mutating mirror of Consume.
func (m *Manager) Availability(ctx context.Context, tenantID string) (*Availability, error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Availability{
		CanCreateUser:  t.ActiveUsers < t.PaidSeats,
		ActiveUsers:    t.ActiveUsers,
		PaidSeats:      t.PaidSeats,
		SeatsAvailable: t.SeatsAvailable(),
		BillingStatus:  t.BillingStatus,
	}, nil
}

// ReduceLimit lowers paid_seats after re-checking, inside the same atomic
// update, that no active user would be left without a seat. A target equal
// to the current allotment is a no-op; a higher target is rejected with
// ErrNotAReduction so the caller can route it through the purchase path.
func (m *Manager) ReduceLimit(ctx context.Context, tenantID string, newLimit int, actor string) (*tenant.Tenant, error) {
	if newLimit < pricing.MinSeats || newLimit > pricing.MaxSeats {
		return nil, fmt.Errorf("%w: want %d..%d, got %d", ErrInvalidLimit, pricing.MinSeats, pricing.MaxSeats, newLimit)
	}

	t, err := m.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		switch {
		case newLimit > t.PaidSeats:
			return nil, ErrNotAReduction
		case newLimit == t.PaidSeats:
			return nil, nil
		case t.ActiveUsers > newLimit:
			return nil, &CapacityError{ActiveUsers: t.ActiveUsers, PaidSeats: t.PaidSeats, TargetLimit: newLimit}
		}
		from := t.PaidSeats
		t.PaidSeats = newLimit
		return []*events.Event{events.New(t.ID, events.TypeSeatLimitReduced, actor, map[string]any{
			"from":        from,
			"to":          newLimit,
			"activeUsers": t.ActiveUsers,
		})}, nil
	})
	m.count("reduce_limit", err)
	if err != nil {
		return nil, err
	}

	m.logger.Info("seat limit reduced", "tenant", tenantID, "limit", newLimit, "actor", actor)
	return t, nil
}

func (m *Manager) count(kind string, err error) {
	result := "ok"
	var capErr *CapacityError
	switch {
	case err == nil:
	case errors.As(err, &capErr):
		result = "capacity_exceeded"
	case errors.Is(err, ErrNotAReduction):
		result = "rejected"
	case errors.Is(err, tenant.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	metrics.SeatOperationsTotal.WithLabelValues(kind, result).Inc()
}
