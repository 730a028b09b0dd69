// Package lifecycle owns billing_status and every legal transition between
// statuses. All mutations are check-and-set: the expected prior state is
// re-verified inside the tenant store's atomic update, so a stale read can
// never overwrite a newer transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/logging"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/traces"
)

var (
	// ErrNotDue means the tenant has no pending escalation at this instant.
	// The sweep counts these as skipped.
	ErrNotDue = errors.New("tenant is not due for escalation")
	// ErrNonPositiveAmount rejects zero or negative payment amounts.
	ErrNonPositiveAmount = errors.New("payment amount must be positive")
)

// TransitionError is the state conflict returned when a target status is not
// reachable from the tenant's actual current status.
type TransitionError struct {
	Current tenant.Status `json:"currentStatus"`
	Target  tenant.Status `json:"targetStatus"`
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.Current, e.Target)
}

// transitions is the full table of legal status changes. Cancellation is
// reachable from everywhere and listed explicitly so the table is the single
// source of truth.
var transitions = map[tenant.Status][]tenant.Status{
	tenant.StatusDemo:           {tenant.StatusCancelled},
	tenant.StatusTrialing:       {tenant.StatusActive, tenant.StatusCancelled},
	tenant.StatusActive:         {tenant.StatusPendingPayment, tenant.StatusUpgradePending, tenant.StatusCancelled},
	tenant.StatusUpgradePending: {tenant.StatusActive, tenant.StatusCancelled},
	tenant.StatusPendingPayment: {tenant.StatusPastDue, tenant.StatusActive, tenant.StatusCancelled},
	tenant.StatusPastDue:        {tenant.StatusSuspended, tenant.StatusActive, tenant.StatusCancelled},
	tenant.StatusSuspended:      {tenant.StatusActive, tenant.StatusCancelled},
	tenant.StatusCancelled:      {},
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to tenant.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes one committed status change.
type Transition struct {
	Tenant *tenant.Tenant
	From   tenant.Status
	To     tenant.Status
	Cause  string // "sweep", "payment", "operator", "upgrade"
}

// Hook observes committed transitions. Hooks run synchronously after the
// commit and must not block; anything slow belongs behind a goroutine.
type Hook func(tr Transition)

// PaymentHook observes recorded payments after commit, settled or partial.
// A hook may set EmailDispatch on the result so the caller can report the
// handoff outcome; the delivery itself is never awaited.
type PaymentHook func(res *PaymentResult)

// PaymentResult reports what a recorded payment did to the cycle.
type PaymentResult struct {
	Tenant    *tenant.Tenant
	Confirmed bool            // true when the cycle was settled and the tenant reactivated
	Applied   decimal.Decimal // amount credited to the current cycle

	// EmailDispatch is the receipt handoff status recorded by a payment
	// hook: "dispatched", "skipped", or "failed". Empty when no hook ran.
	EmailDispatch string
}

// Machine drives billing status transitions for all tenants.
type Machine struct {
	tenants          tenant.Store
	pricing          *pricing.Service
	suspendAfterDays int
	logger           *slog.Logger
	hooks            []Hook
	payHooks         []PaymentHook
}

// NewMachine creates the state machine. suspendAfterDays is the second
// unpaid window, counted from the grace cutoff.
func NewMachine(tenants tenant.Store, pricingSvc *pricing.Service, suspendAfterDays int, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		tenants:          tenants,
		pricing:          pricingSvc,
		suspendAfterDays: suspendAfterDays,
		logger:           logger,
	}
}

// OnTransition registers a hook fired after every committed transition.
// Not safe to call once the machine is serving traffic.
func (m *Machine) OnTransition(h Hook) {
	m.hooks = append(m.hooks, h)
}

// OnPayment registers a hook fired after every committed payment.
// Not safe to call once the machine is serving traffic.
func (m *Machine) OnPayment(h PaymentHook) {
	m.payHooks = append(m.payHooks, h)
}

// SetStatus applies an operator-requested transition. Setting the current
// status again is an idempotent no-op; an unreachable target is rejected
// with a TransitionError carrying the actual state.
func (m *Machine) SetStatus(ctx context.Context, tenantID string, to tenant.Status, actor string) (*tenant.Tenant, error) {
	var tr *Transition
	t, err := m.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		from := t.BillingStatus
		if from == to {
			return nil, nil
		}
		if !CanTransition(from, to) {
			return nil, &TransitionError{Current: from, Target: to}
		}
		t.BillingStatus = to
		tr = &Transition{From: from, To: to, Cause: "operator"}
		return []*events.Event{statusEvent(t, from, to, actor)}, nil
	})
	if err != nil {
		return nil, err
	}
	m.committed(ctx, t, tr)
	return t, nil
}

// Cancel moves the tenant to cancelled from any state. Cancelling twice is a
// no-op.
func (m *Machine) Cancel(ctx context.Context, tenantID, actor string) (*tenant.Tenant, error) {
	return m.SetStatus(ctx, tenantID, tenant.StatusCancelled, actor)
}

// Advance applies the single escalation the tenant is due for at now:
// cycle rollover, grace expiry, or suspension. Tenants with nothing due get
// ErrNotDue. One call applies at most one step; the next sweep picks up the
// following one.
func (m *Machine) Advance(ctx context.Context, tenantID string, now time.Time) (*Transition, error) {
	ctx, span := traces.StartSpan(ctx, "billing.advance", traces.TenantID(tenantID))
	defer span.End()

	cfg, err := m.pricing.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}

	var tr *Transition
	t, err := m.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		from := t.BillingStatus
		switch from {
		case tenant.StatusActive:
			if t.NextBillingDate.After(now) {
				return nil, ErrNotDue
			}
			quote, err := pricing.Resolve(t, *cfg, pricing.QuoteRequest{})
			if err != nil {
				return nil, fmt.Errorf("recompute invoice: %w", err)
			}
			t.BillingStatus = tenant.StatusPendingPayment
			t.NextInvoiceAmount = quote.EffectiveAmount
			t.BalanceDue = quote.EffectiveAmount
			t.TotalPaidCurrentCycle = decimal.Zero
			tr = &Transition{From: from, To: tenant.StatusPendingPayment, Cause: "sweep"}
			return []*events.Event{events.New(t.ID, events.TypeCycleRolledOver, "system", map[string]any{
				"invoiceAmount": quote.EffectiveAmount.String(),
				"cycle":         string(t.BillingCycle),
				"graceCutoff":   t.GraceCutoff().Format(time.RFC3339),
			})}, nil

		case tenant.StatusPendingPayment:
			if t.GraceCutoff().After(now) {
				return nil, ErrNotDue
			}
			t.BillingStatus = tenant.StatusPastDue
			tr = &Transition{From: from, To: tenant.StatusPastDue, Cause: "sweep"}
			return []*events.Event{events.New(t.ID, events.TypeTenantPastDue, "system", map[string]any{
				"balanceDue":  t.BalanceDue.String(),
				"graceCutoff": t.GraceCutoff().Format(time.RFC3339),
			})}, nil

		case tenant.StatusPastDue:
			suspendAt := t.GraceCutoff().AddDate(0, 0, m.suspendAfterDays)
			if suspendAt.After(now) {
				return nil, ErrNotDue
			}
			t.BillingStatus = tenant.StatusSuspended
			tr = &Transition{From: from, To: tenant.StatusSuspended, Cause: "sweep"}
			return []*events.Event{events.New(t.ID, events.TypeTenantSuspended, "system", map[string]any{
				"balanceDue": t.BalanceDue.String(),
			})}, nil

		default:
			// demo, trialing, upgrade_pending, suspended, cancelled: the
			// sweep never escalates these.
			return nil, ErrNotDue
		}
	})
	if err != nil {
		return nil, err
	}
	if tr != nil {
		span.SetAttributes(traces.BillingStatus(string(tr.To)))
	}
	m.committed(ctx, t, tr)
	return tr, nil
}

// ConfirmPayment credits amount to the current cycle. When the cumulative
// credit covers the invoice the tenant is reactivated and the cycle
// advances; a partial payment only accumulates. Demo and cancelled tenants
// reject payments with a state conflict.
func (m *Machine) ConfirmPayment(ctx context.Context, tenantID string, amount decimal.Decimal, actor string) (*PaymentResult, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}

	ctx, span := traces.StartSpan(ctx, "billing.confirm_payment",
		traces.TenantID(tenantID), traces.Amount(amount.String()))
	defer span.End()

	cfg, err := m.pricing.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}

	var (
		tr        *Transition
		confirmed bool
	)
	t, err := m.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		from := t.BillingStatus
		if from == tenant.StatusDemo || from.Terminal() {
			return nil, &TransitionError{Current: from, Target: tenant.StatusActive}
		}

		t.TotalPaidCurrentCycle = t.TotalPaidCurrentCycle.Add(amount)
		t.BalanceDue = t.BalanceDue.Sub(amount)
		if t.BalanceDue.IsNegative() {
			t.BalanceDue = decimal.Zero
		}

		if t.TotalPaidCurrentCycle.LessThan(t.NextInvoiceAmount) {
			confirmed = false
			return []*events.Event{events.New(t.ID, events.TypePaymentRecorded, actor, map[string]any{
				"amount":                amount.String(),
				"totalPaidCurrentCycle": t.TotalPaidCurrentCycle.String(),
				"balanceDue":            t.BalanceDue.String(),
			})}, nil
		}

		// Cycle settled: reactivate, advance one cycle from the old anchor,
		// and price the next invoice at current seats.
		confirmed = true
		t.NextBillingDate = t.BillingCycle.Advance(t.NextBillingDate)
		quote, err := pricing.Resolve(t, *cfg, pricing.QuoteRequest{})
		if err != nil {
			return nil, fmt.Errorf("recompute invoice: %w", err)
		}
		t.NextInvoiceAmount = quote.EffectiveAmount
		t.TotalPaidCurrentCycle = decimal.Zero
		if from != tenant.StatusActive && from != tenant.StatusUpgradePending {
			t.BillingStatus = tenant.StatusActive
			tr = &Transition{From: from, To: tenant.StatusActive, Cause: "payment"}
		}
		return []*events.Event{events.New(t.ID, events.TypePaymentConfirmed, actor, map[string]any{
			"amount":            amount.String(),
			"residualBalance":   t.BalanceDue.String(),
			"nextBillingDate":   t.NextBillingDate.Format(time.RFC3339),
			"nextInvoiceAmount": t.NextInvoiceAmount.String(),
		})}, nil
	})
	if err != nil {
		return nil, err
	}

	if confirmed {
		metrics.PaymentsConfirmedTotal.Inc()
	} else {
		metrics.PaymentsPartialTotal.Inc()
	}
	m.committed(ctx, t, tr)
	logging.L(ctx).Info("payment processed",
		"tenant", tenantID, "amount", amount.String(), "confirmed", confirmed, "actor", actor)

	res := &PaymentResult{Tenant: t, Confirmed: confirmed, Applied: amount}
	for _, h := range m.payHooks {
		h(res)
	}
	return res, nil
}

// committed records metrics and fires hooks for a committed transition.
// tr is nil when the operation changed no status.
func (m *Machine) committed(ctx context.Context, t *tenant.Tenant, tr *Transition) {
	if tr == nil {
		return
	}
	tr.Tenant = t
	metrics.BillingTransitionsTotal.WithLabelValues(string(tr.To)).Inc()
	logging.L(ctx).Info("billing status changed",
		"tenant", t.ID, "from", string(tr.From), "to", string(tr.To), "cause", tr.Cause)
	for _, h := range m.hooks {
		h(*tr)
	}
}

func statusEvent(t *tenant.Tenant, from, to tenant.Status, actor string) *events.Event {
	payload := map[string]any{"from": string(from), "to": string(to)}
	switch to {
	case tenant.StatusCancelled:
		return events.New(t.ID, events.TypeTenantCancelled, actor, payload)
	case tenant.StatusSuspended:
		return events.New(t.ID, events.TypeTenantSuspended, actor, payload)
	case tenant.StatusPastDue:
		return events.New(t.ID, events.TypeTenantPastDue, actor, payload)
	default:
		return events.New(t.ID, events.TypeBillingStatusChanged, actor, payload)
	}
}
