package tenant

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/events"
)

// Mutator inspects and mutates a private copy of a tenant inside UpdateIf.
// It returns the billing events to record alongside the mutation. Returning
// an error aborts the update: nothing is written and no events are recorded.
type Mutator func(t *Tenant) ([]*events.Event, error)

// Query filters and orders tenant listings.
type Query struct {
	Statuses []Status
	Provider string
	Search   string // matches name or ID, case-insensitive substring

	SortBy    string // name | paid_seats | active_users | next_billing_date | balance_due | created_at
	SortOrder string // asc | desc

	// Limit 0 returns the full filtered set.
	Limit  int
	Offset int
}

// Summary aggregates the filtered set for the billing overview.
type Summary struct {
	Tenants        int             `json:"tenants"`
	PaidSeats      int64           `json:"paidSeats"`
	ActiveUsers    int64           `json:"activeUsers"`
	MonthlyRevenue decimal.Decimal `json:"monthlyRevenue"`
}

// BackfillParams drives the idempotent repair of billing fields on tenants
// created before billing existed.
type BackfillParams struct {
	GracePeriodDays int
	Now             time.Time
	Actor           string
}

// Store persists tenant billing records.
//
// UpdateIf is the only mutation primitive: it loads the current record,
// applies the mutator to a private copy under a per-tenant lock (Postgres:
// a row lock), and commits the copy together with the returned events in
// one step. Concurrent updates to the same tenant serialize; neither store
// ever interleaves two mutators on the same row.
type Store interface {
	Create(ctx context.Context, t *Tenant, evts ...*events.Event) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByProviderCustomerID(ctx context.Context, customerID string) (*Tenant, error)
	UpdateIf(ctx context.Context, id string, mutate Mutator) (*Tenant, error)

	// List returns one page plus the total number of matches.
	List(ctx context.Context, q Query) ([]*Tenant, int, error)
	// Summarize aggregates every match of q, ignoring pagination.
	// Revenue uses the tenant override when present, else defaultSeatPrice.
	Summarize(ctx context.Context, q Query, defaultSeatPrice decimal.Decimal) (*Summary, error)
	// ListDue returns production tenants whose next billing date has passed
	// and whose status can still progress through the dunning chain.
	ListDue(ctx context.Context, now time.Time) ([]*Tenant, error)

	// BackfillDefaults fills missing billing fields in place and reports how
	// many tenants were repaired. Present values are never overwritten, so
	// running it twice is a no-op.
	BackfillDefaults(ctx context.Context, p BackfillParams) (int, error)
}

// dueStatuses are the states the scheduler sweep can move forward.
var dueStatuses = []Status{StatusActive, StatusPendingPayment, StatusPastDue}

func statusDue(s Status) bool {
	for _, d := range dueStatuses {
		if s == d {
			return true
		}
	}
	return false
}
