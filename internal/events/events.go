// Package events provides the append-only billing event log.
//
// Every state-changing billing operation appends exactly one event as part
// of the same logical transaction: no event without its mutation, no
// mutation without its event. Reads are per-tenant, most-recent-first, for
// support and reconciliation only — nothing re-derives billing state from
// this log.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidLimit = errors.New("events: limit must be between 1 and 500")

// Event types recorded by the billing engine.
const (
	TypeTenantOnboarded        = "tenant_onboarded"
	TypeSeatConsumed           = "seat_consumed"
	TypeSeatReleased           = "seat_released"
	TypeSeatLimitReduced       = "seat_limit_reduced"
	TypeSeatUpgradeRequested   = "seat_upgrade_requested"
	TypeSeatsUpgraded          = "seats_upgraded"
	TypeSeatUpgradeRejected    = "seat_upgrade_rejected"
	TypePricingOverrideSet     = "pricing_override_set"
	TypePricingOverrideCleared = "pricing_override_cleared"
	TypeGlobalPricingUpdated   = "global_pricing_updated"
	TypeCycleRolledOver        = "cycle_rolled_over"
	TypePaymentRecorded        = "payment_recorded"
	TypePaymentConfirmed       = "payment_confirmed"
	TypeTenantPastDue          = "tenant_past_due"
	TypeTenantSuspended        = "tenant_suspended"
	TypeTenantCancelled        = "tenant_cancelled"
	TypeBillingStatusChanged   = "billing_status_changed"
	TypeBillingBackfilled      = "billing_fields_backfilled"
)

// Event is one immutable billing log entry.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Actor     string         `json:"actor"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New builds an event with a fresh id and timestamp.
func New(tenantID, eventType, actor string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   payload,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
	}
}

// ListOptions narrows a per-tenant read.
type ListOptions struct {
	Limit  int    // 1..500, default 50
	Cursor string // opaque cursor from a previous page
}

// Store persists billing events.
type Store interface {
	// Append writes one event and fires the sink. Standalone appends only —
	// mutations that must be atomic with their event go through the tenant
	// store, which uses the transactional path.
	Append(ctx context.Context, e *Event) error
	// ListByTenant returns events most-recent-first with an opaque next-page
	// cursor ("" when exhausted).
	ListByTenant(ctx context.Context, tenantID string, opts ListOptions) ([]*Event, string, error)
	// SetSink registers a best-effort observer invoked after an event is
	// durably appended. Used by the live event stream; must not block.
	SetSink(fn func(*Event))
	// Notify fires the sink for events appended through an external
	// transaction, after that transaction commits.
	Notify(evts ...*Event)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return defaultListLimit, nil
	}
	if limit < 1 || limit > maxListLimit {
		return 0, ErrInvalidLimit
	}
	return limit, nil
}
