// Package payments connects the billing engine to the Stripe gateway.
// Outbound, a charge is dispatched against the tenant's stored payment
// method when a billing cycle opens an invoice; inbound, the webhook
// endpoint maps payment_intent.succeeded events back to tenants and
// records them through the lifecycle machine. Dispatch is fire-and-forget:
// a failure is logged and counted, never retried, and never blocks or
// rolls back the billing mutation that triggered it.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/condohq/seatbill/internal/circuitbreaker"
	"github.com/condohq/seatbill/internal/metrics"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/traces"
)

// ErrCircuitOpen rejects a dispatch while the gateway breaker is open.
var ErrCircuitOpen = errors.New("payment gateway circuit open")

// Status is the handoff outcome of one charge dispatch.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

const breakerKey = "stripe"

// Dispatcher creates off-session PaymentIntents for open invoices.
type Dispatcher struct {
	api      *client.API
	breaker  *circuitbreaker.Breaker
	currency string
	logger   *slog.Logger
}

// NewDispatcher builds a gateway client from the secret key. An empty key
// disables dispatch entirely; DispatchInvoice then reports StatusSkipped.
func NewDispatcher(apiKey, currency string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Dispatcher {
	return newDispatcher(apiKey, currency, nil, breaker, logger)
}

func newDispatcher(apiKey, currency string, backends *stripe.Backends, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		breaker:  breaker,
		currency: strings.ToLower(currency),
		logger:   logger,
	}
	if apiKey != "" {
		d.api = client.New(apiKey, backends)
	}
	return d
}

// Enabled reports whether a gateway key is configured.
func (d *Dispatcher) Enabled() bool {
	return d.api != nil
}

// DispatchInvoice charges the tenant's open balance to their stored payment
// method, confirmed off session. Tenants on manual billing, without a
// gateway customer, or with nothing due are skipped. The idempotency key is
// derived from the cycle anchor, so a duplicate hook firing for the same
// invoice cannot double-charge.
func (d *Dispatcher) DispatchInvoice(ctx context.Context, t *tenant.Tenant) (Status, error) {
	if d.api == nil {
		return StatusSkipped, nil
	}
	if t.BillingProvider != tenant.ProviderStripe || t.ProviderCustomerID == "" {
		return StatusSkipped, nil
	}
	if !t.BalanceDue.IsPositive() {
		return StatusSkipped, nil
	}

	ctx, span := traces.StartSpan(ctx, "payments.dispatch_invoice",
		traces.TenantID(t.ID), traces.Amount(t.BalanceDue.String()))
	defer span.End()

	if d.breaker != nil && !d.breaker.Allow(breakerKey) {
		metrics.PaymentDispatchErrors.Inc()
		return StatusFailed, ErrCircuitOpen
	}

	cents := t.BalanceDue.Shift(2).Round(0).IntPart()
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(d.currency),
		Customer:    stripe.String(t.ProviderCustomerID),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
		Description: stripe.String(fmt.Sprintf("%s: %d seats, %s billing", t.Name, t.PaidSeats, t.BillingCycle)),
	}
	params.Context = ctx
	params.AddMetadata("tenant_id", t.ID)
	params.SetIdempotencyKey(t.ID + "-" + t.NextBillingDate.UTC().Format("2006-01-02"))

	pi, err := d.api.PaymentIntents.New(params)
	if err != nil {
		if d.breaker != nil {
			d.breaker.RecordFailure(breakerKey)
		}
		metrics.PaymentDispatchErrors.Inc()
		d.logger.Error("charge dispatch failed",
			"tenant", t.ID, "amount", t.BalanceDue.String(), "error", err)
		return StatusFailed, fmt.Errorf("create payment intent: %w", err)
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(breakerKey)
	}
	d.logger.Info("charge dispatched",
		"tenant", t.ID, "intent", pi.ID, "amount", t.BalanceDue.String())
	return StatusDispatched, nil
}
