package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/idgen"
	"github.com/condohq/seatbill/internal/logging"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/seats"
	"github.com/condohq/seatbill/internal/syncutil"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/traces"
)

// Service runs the upgrade workflow across the request store and the tenant
// store. The request store's conditional resolve is the idempotency gate:
// it decides exactly once per request, and the tenant mutation follows it.
type Service struct {
	requests Store
	tenants  tenant.Store
	pricing  *pricing.Service
	events   events.Store
	logger   *slog.Logger
	locks    syncutil.ShardedMutex

	onResolved func(t *tenant.Tenant, r *Request)
}

// NewService creates the upgrade workflow service. evts is used only for
// appends that happen outside a tenant mutation (auto-rejects); it may be
// nil.
func NewService(requests Store, tenants tenant.Store, pricingSvc *pricing.Service, evts events.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		requests: requests,
		tenants:  tenants,
		pricing:  pricingSvc,
		events:   evts,
		logger:   logger,
	}
}

// SetResolvedHook registers a callback fired after a request is resolved,
// manually or automatically. Not safe to call once serving traffic.
func (s *Service) SetResolvedHook(fn func(t *tenant.Tenant, r *Request)) {
	s.onResolved = fn
}

// Submit files a new upgrade request for the tenant. Demo tenants are
// rejected unconditionally, the requested count must exceed the current
// allotment, and only one pending request may exist per tenant.
func (s *Service) Submit(ctx context.Context, tenantID, requestedBy string, requestedSeats int, reason string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if len(reason) > MaxReasonLength {
		return nil, ErrReasonTooLong
	}
	if requestedSeats < pricing.MinSeats || requestedSeats > pricing.MaxSeats {
		return nil, fmt.Errorf("%w: want %d..%d, got %d",
			pricing.ErrSeatsOutOfRange, pricing.MinSeats, pricing.MaxSeats, requestedSeats)
	}

	ctx, span := traces.StartSpan(ctx, "upgrade.submit",
		traces.TenantID(tenantID), traces.SeatCount(requestedSeats))
	defer span.End()

	unlock := s.locks.Lock("submit:" + tenantID)
	defer unlock()

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.Environment == tenant.EnvDemo {
		metrics.UpgradeRequestsTotal.WithLabelValues("demo_rejected").Inc()
		return nil, ErrDemoTenant
	}
	if requestedSeats <= t.PaidSeats {
		return nil, fmt.Errorf("%w: have %d, requested %d", ErrNotAnIncrease, t.PaidSeats, requestedSeats)
	}

	r := &Request{
		ID:             idgen.WithPrefix("upg_"),
		TenantID:       tenantID,
		RequestedBy:    requestedBy,
		RequestedSeats: requestedSeats,
		Reason:         reason,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.requests.Create(ctx, r); err != nil {
		return nil, err
	}

	// Mark the tenant and record the event. If this fails the request must
	// not linger: resolve it back out so the tenant is not stuck behind a
	// phantom pending request.
	_, err = s.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		if t.BillingStatus == tenant.StatusActive {
			t.BillingStatus = tenant.StatusUpgradePending
		}
		return []*events.Event{events.New(t.ID, events.TypeSeatUpgradeRequested, requestedBy, map[string]any{
			"requestId":      r.ID,
			"requestedSeats": requestedSeats,
			"currentSeats":   t.PaidSeats,
			"reason":         reason,
		})}, nil
	})
	if err != nil {
		if _, rbErr := s.requests.Resolve(ctx, r.ID, StatusRejected, "system", "tenant update failed", time.Now().UTC()); rbErr != nil {
			s.logger.Error("CRITICAL: orphaned pending upgrade request",
				"request", r.ID, "tenant", tenantID, "error", rbErr)
		}
		return nil, err
	}

	metrics.UpgradeRequestsTotal.WithLabelValues("submitted").Inc()
	metrics.BillingTransitionsTotal.WithLabelValues(string(tenant.StatusUpgradePending)).Inc()
	logging.L(ctx).Info("seat upgrade requested",
		"request", r.ID, "tenant", tenantID, "seats", requestedSeats, "by", requestedBy)
	return r, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.requests.Get(ctx, id)
}

// MyPending returns the tenant's pending request, or ErrNotFound.
func (s *Service) MyPending(ctx context.Context, tenantID string) (*Request, error) {
	return s.requests.PendingByTenant(ctx, tenantID)
}

// ListPending returns all pending requests across tenants, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]*Request, error) {
	return s.requests.ListPending(ctx)
}

// Resolve approves or rejects a pending request. Approval applies the new
// allotment and reprices the next invoice; rejection leaves seats untouched.
// Either way the tenant returns to active if it was parked in
// upgrade_pending. Resolving twice is a state conflict.
func (s *Service) Resolve(ctx context.Context, requestID string, approve bool, resolvedBy, note string) (*Request, *tenant.Tenant, error) {
	ctx, span := traces.StartSpan(ctx, "upgrade.resolve", traces.UpgradeRequestID(requestID))
	defer span.End()

	unlock := s.locks.Lock("resolve:" + requestID)
	defer unlock()

	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	if approve && r.Pending() {
		// Validate against the live tenant before committing the decision:
		// a direct upgrade may have outgrown the request since submission.
		// The mutator re-checks under the atomic update.
		t, err := s.tenants.Get(ctx, r.TenantID)
		if err != nil {
			return nil, nil, err
		}
		if r.RequestedSeats <= t.PaidSeats {
			return nil, nil, fmt.Errorf("%w: have %d, requested %d", ErrNotAnIncrease, t.PaidSeats, r.RequestedSeats)
		}
	}

	target := StatusRejected
	if approve {
		target = StatusApproved
	}
	resolved, err := s.requests.Resolve(ctx, requestID, target, resolvedBy, note, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}

	t, err := s.applyResolution(ctx, resolved, approve, resolvedBy)
	if err != nil {
		// The decision is committed; the tenant record disagrees. Loud log,
		// operator repair via the super-admin surface.
		s.logger.Error("CRITICAL: upgrade request resolved but tenant update failed",
			"request", requestID, "tenant", resolved.TenantID, "approved", approve, "error", err)
		return resolved, nil, err
	}

	outcome := "rejected"
	if approve {
		outcome = "approved"
	}
	metrics.UpgradeRequestsTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("seat upgrade resolved",
		"request", requestID, "tenant", resolved.TenantID, "outcome", outcome, "by", resolvedBy)
	if s.onResolved != nil {
		s.onResolved(t, resolved)
	}
	return resolved, t, nil
}

func (s *Service) applyResolution(ctx context.Context, r *Request, approve bool, resolvedBy string) (*tenant.Tenant, error) {
	cfg, err := s.pricing.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}

	restored := false
	t, err := s.tenants.UpdateIf(ctx, r.TenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		if t.BillingStatus == tenant.StatusUpgradePending {
			t.BillingStatus = tenant.StatusActive
			restored = true
		}

		if !approve {
			return []*events.Event{events.New(t.ID, events.TypeSeatUpgradeRejected, resolvedBy, map[string]any{
				"requestId":      r.ID,
				"requestedSeats": r.RequestedSeats,
				"note":           r.ResolutionNote,
			})}, nil
		}

		// Re-check under the lock: applying must never strand active users
		// or shrink an allotment that grew past the request.
		if r.RequestedSeats < t.ActiveUsers {
			return nil, &seats.CapacityError{
				ActiveUsers: t.ActiveUsers,
				PaidSeats:   t.PaidSeats,
				TargetLimit: r.RequestedSeats,
			}
		}
		if r.RequestedSeats <= t.PaidSeats {
			return nil, fmt.Errorf("%w: have %d, requested %d", ErrNotAnIncrease, t.PaidSeats, r.RequestedSeats)
		}
		from := t.PaidSeats
		t.PaidSeats = r.RequestedSeats
		quote, err := pricing.Resolve(t, *cfg, pricing.QuoteRequest{})
		if err != nil {
			return nil, fmt.Errorf("recompute invoice: %w", err)
		}
		t.NextInvoiceAmount = quote.EffectiveAmount
		return []*events.Event{events.New(t.ID, events.TypeSeatsUpgraded, resolvedBy, map[string]any{
			"requestId":         r.ID,
			"fromSeats":         from,
			"toSeats":           r.RequestedSeats,
			"nextInvoiceAmount": quote.EffectiveAmount.String(),
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	if restored {
		metrics.BillingTransitionsTotal.WithLabelValues(string(tenant.StatusActive)).Inc()
	}
	return t, nil
}

// DirectUpgrade raises paid_seats without a request: the super-admin bypass
// for manual corrections. Demo tenants are rejected unconditionally and the
// target must exceed the current allotment.
func (s *Service) DirectUpgrade(ctx context.Context, tenantID string, newSeats int, actor string) (*tenant.Tenant, error) {
	if newSeats < pricing.MinSeats || newSeats > pricing.MaxSeats {
		return nil, fmt.Errorf("%w: want %d..%d, got %d",
			pricing.ErrSeatsOutOfRange, pricing.MinSeats, pricing.MaxSeats, newSeats)
	}

	cfg, err := s.pricing.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}

	t, err := s.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		if t.Environment == tenant.EnvDemo {
			return nil, ErrDemoTenant
		}
		if newSeats <= t.PaidSeats {
			return nil, fmt.Errorf("%w: have %d, requested %d", ErrNotAnIncrease, t.PaidSeats, newSeats)
		}
		from := t.PaidSeats
		t.PaidSeats = newSeats
		quote, err := pricing.Resolve(t, *cfg, pricing.QuoteRequest{})
		if err != nil {
			return nil, fmt.Errorf("recompute invoice: %w", err)
		}
		t.NextInvoiceAmount = quote.EffectiveAmount
		return []*events.Event{events.New(t.ID, events.TypeSeatsUpgraded, actor, map[string]any{
			"fromSeats":         from,
			"toSeats":           newSeats,
			"direct":            true,
			"nextInvoiceAmount": quote.EffectiveAmount.String(),
		})}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.UpgradeRequestsTotal.WithLabelValues("direct").Inc()
	logging.L(ctx).Info("seats upgraded directly", "tenant", tenantID, "seats", newSeats, "actor", actor)
	return t, nil
}

// AutoRejectPending rejects the tenant's pending request, if any, because
// the tenant entered a terminal billing state. Races with a concurrent
// manual resolution are harmless: whoever resolves first wins.
func (s *Service) AutoRejectPending(ctx context.Context, tenantID, cause string) {
	r, err := s.requests.PendingByTenant(ctx, tenantID)
	if err != nil {
		return
	}

	note := "auto-rejected: " + cause
	resolved, err := s.requests.Resolve(ctx, r.ID, StatusRejected, "system", note, time.Now().UTC())
	if err != nil {
		return
	}

	if s.events != nil {
		_ = s.events.Append(ctx, events.New(tenantID, events.TypeSeatUpgradeRejected, "system", map[string]any{
			"requestId":      resolved.ID,
			"requestedSeats": resolved.RequestedSeats,
			"note":           note,
		}))
	}

	metrics.UpgradeRequestsTotal.WithLabelValues("auto_rejected").Inc()
	s.logger.Info("pending upgrade request auto-rejected",
		"request", resolved.ID, "tenant", tenantID, "cause", cause)
	if s.onResolved != nil {
		s.onResolved(nil, resolved)
	}
}
