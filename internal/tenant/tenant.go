// Package tenant holds the billing projection of a condominium: the seat
// counts, lifecycle status, pricing knobs, and cycle bookkeeping the billing
// engine reads and mutates. The tenant's user directory lives elsewhere;
// this record only tracks what billing needs to know about it.
package tenant

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotFound      = errors.New("condominium not found")
	ErrAlreadyExists = errors.New("condominium already exists")
	ErrNameRequired  = errors.New("condominium name is required")
)

// Environment distinguishes evaluation tenants from paying ones.
type Environment string

const (
	EnvDemo       Environment = "demo"
	EnvProduction Environment = "production"
)

// ParseEnvironment validates an environment string.
func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(s) {
	case EnvDemo, EnvProduction:
		return Environment(s), true
	}
	return "", false
}

// Status represents a tenant's billing lifecycle state.
type Status string

const (
	StatusDemo           Status = "demo"
	StatusTrialing       Status = "trialing"
	StatusActive         Status = "active"
	StatusUpgradePending Status = "upgrade_pending"
	StatusPendingPayment Status = "pending_payment"
	StatusPastDue        Status = "past_due"
	StatusSuspended      Status = "suspended"
	StatusCancelled      Status = "cancelled"
)

// AllStatuses lists every lifecycle state in rough lifecycle order.
var AllStatuses = []Status{
	StatusDemo, StatusTrialing, StatusActive, StatusUpgradePending,
	StatusPendingPayment, StatusPastDue, StatusSuspended, StatusCancelled,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if Status(s) == st {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool { return s == StatusCancelled }

// Cycle is the billing period length.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

// ParseCycle validates a cycle string.
func ParseCycle(s string) (Cycle, bool) {
	switch Cycle(s) {
	case CycleMonthly, CycleYearly:
		return Cycle(s), true
	}
	return "", false
}

// Advance returns the given date moved forward by one billing period.
func (c Cycle) Advance(from time.Time) time.Time {
	if c == CycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// Billing providers. Manual tenants are invoiced out of band and confirmed
// by a super admin; stripe tenants are charged through the payment gateway.
const (
	ProviderManual = "manual"
	ProviderStripe = "stripe"
)

// ParseProvider validates a billing provider string.
func ParseProvider(s string) (string, bool) {
	switch s {
	case ProviderManual, ProviderStripe:
		return s, true
	}
	return "", false
}

// Seat allotments applied at onboarding and by the backfill.
const (
	DefaultSeatsProduction = 50
	DemoSeatCap            = 10
)

// Tenant is the billing record for one condominium.
type Tenant struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Environment Environment `json:"environment"`

	BillingStatus Status `json:"billingStatus"`
	BillingCycle  Cycle  `json:"billingCycle"`

	PaidSeats   int `json:"paidSeats"`
	ActiveUsers int `json:"activeUsers"`

	// SeatPriceOverride supersedes the global default when positive.
	// Zero means no override.
	SeatPriceOverride     decimal.Decimal `json:"seatPriceOverride"`
	YearlyDiscountPercent int             `json:"yearlyDiscountPercent"`

	GracePeriodDays int       `json:"gracePeriodDays"`
	NextBillingDate time.Time `json:"nextBillingDate"`

	BalanceDue            decimal.Decimal `json:"balanceDue"`
	TotalPaidCurrentCycle decimal.Decimal `json:"totalPaidCurrentCycle"`
	NextInvoiceAmount     decimal.Decimal `json:"nextInvoiceAmount"`

	BillingProvider    string `json:"billingProvider"`
	ProviderCustomerID string `json:"providerCustomerId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasSeatPriceOverride reports whether a per-tenant price is in effect.
func (t *Tenant) HasSeatPriceOverride() bool {
	return t.SeatPriceOverride.IsPositive()
}

// SeatsAvailable returns how many more users can be activated.
func (t *Tenant) SeatsAvailable() int {
	if n := t.PaidSeats - t.ActiveUsers; n > 0 {
		return n
	}
	return 0
}

// Clone returns a copy. Stores hand out and accept copies so callers can
// never mutate shared state outside UpdateIf.
func (t *Tenant) Clone() *Tenant {
	c := *t
	return &c
}

// ApplyDefaults fills the billing fields a newly onboarded tenant starts
// with. Demo tenants start in the demo status with a capped allotment,
// production tenants start active with the standard one. Fields already set
// by the caller are left alone, except that the demo cap is always enforced.
func (t *Tenant) ApplyDefaults(now time.Time, gracePeriodDays int) {
	if t.Environment == "" {
		t.Environment = EnvProduction
	}
	if t.BillingStatus == "" {
		if t.Environment == EnvDemo {
			t.BillingStatus = StatusDemo
		} else {
			t.BillingStatus = StatusActive
		}
	}
	if t.BillingCycle == "" {
		t.BillingCycle = CycleMonthly
	}
	if t.PaidSeats == 0 {
		if t.Environment == EnvDemo {
			t.PaidSeats = DemoSeatCap
		} else {
			t.PaidSeats = DefaultSeatsProduction
		}
	}
	if t.Environment == EnvDemo && t.PaidSeats > DemoSeatCap {
		t.PaidSeats = DemoSeatCap
	}
	if t.GracePeriodDays == 0 {
		t.GracePeriodDays = gracePeriodDays
	}
	if t.NextBillingDate.IsZero() {
		t.NextBillingDate = t.BillingCycle.Advance(now)
	}
	if t.BillingProvider == "" {
		t.BillingProvider = ProviderManual
	}
}

// GraceCutoff is the instant after which an unpaid invoice goes past due.
func (t *Tenant) GraceCutoff() time.Time {
	return t.NextBillingDate.AddDate(0, 0, t.GracePeriodDays)
}

// EffectiveSeatPrice returns the per-seat price this tenant pays: the
// override when present, otherwise the given global default.
func (t *Tenant) EffectiveSeatPrice(defaultSeatPrice decimal.Decimal) decimal.Decimal {
	if t.HasSeatPriceOverride() {
		return t.SeatPriceOverride
	}
	return defaultSeatPrice
}

// MonthlyRevenue is the tenant's monthly-equivalent recurring revenue:
// seats times effective price, with the yearly discount applied for tenants
// on the yearly cycle. Used by the overview aggregates.
func (t *Tenant) MonthlyRevenue(defaultSeatPrice decimal.Decimal) decimal.Decimal {
	amount := t.EffectiveSeatPrice(defaultSeatPrice).Mul(decimal.NewFromInt(int64(t.PaidSeats)))
	if t.BillingCycle == CycleYearly && t.YearlyDiscountPercent > 0 {
		factor := decimal.NewFromInt(int64(100 - t.YearlyDiscountPercent)).Div(decimal.NewFromInt(100))
		amount = amount.Mul(factor)
	}
	return amount.Round(2)
}
