// Package pricing resolves what a tenant pays per seat and quotes invoice
// amounts. Resolution is pure: callers read the global config first, then
// resolve against an in-memory tenant record, so quotes can run inside a
// store mutation without touching I/O.
package pricing

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/tenant"
)

// Validation bounds. Requests outside them are rejected, never clamped.
const (
	MinSeats           = 1
	MaxSeats           = 10000
	MaxDiscountPercent = 50
)

// MaxSeatPrice caps both the global default and per-tenant overrides.
var MaxSeatPrice = decimal.NewFromInt(1000)

var (
	ErrSeatsOutOfRange    = errors.New("seats out of range")
	ErrPriceOutOfRange    = errors.New("seat price out of range")
	ErrDiscountOutOfRange = errors.New("yearly discount out of range")
	ErrInvalidCycle       = errors.New("invalid billing cycle")
	ErrInvalidCurrency    = errors.New("invalid currency code")
)

// Price sources reported in quotes, most specific wins.
const (
	SourceRequestOverride = "request_override"
	SourceTenantOverride  = "tenant_override"
	SourceGlobalDefault   = "global_default"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// GlobalConfig is the platform-wide pricing fallback, a single mutable row.
type GlobalConfig struct {
	DefaultSeatPrice decimal.Decimal `json:"defaultSeatPrice"`
	Currency         string          `json:"currency"`
	UpdatedBy        string          `json:"updatedBy,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Validate checks the config against the pricing bounds.
func (c GlobalConfig) Validate() error {
	if !c.DefaultSeatPrice.IsPositive() || c.DefaultSeatPrice.GreaterThan(MaxSeatPrice) {
		return fmt.Errorf("%w: default seat price must be positive and at most %s",
			ErrPriceOutOfRange, MaxSeatPrice)
	}
	if !currencyPattern.MatchString(c.Currency) {
		return fmt.Errorf("%w: want a three-letter code like USD", ErrInvalidCurrency)
	}
	return nil
}

// QuoteRequest carries the optional knobs of a quote. Zero values fall back
// to the tenant record: zero seats quotes the current allotment, an empty
// cycle quotes the current cycle, a zero override defers to the tenant's
// override and then the global default.
type QuoteRequest struct {
	Seats           int
	Cycle           tenant.Cycle
	OverridePrice   decimal.Decimal
	DiscountPercent *int
}

// Quote is a resolved price for a seat count on a cycle.
type Quote struct {
	Seats           int             `json:"seats"`
	Cycle           tenant.Cycle    `json:"cycle"`
	PricePerSeat    decimal.Decimal `json:"pricePerSeat"`
	Source          string          `json:"source"`
	Currency        string          `json:"currency"`
	DiscountPercent int             `json:"discountPercent"`
	// MonthlyAmount is seats times price for one month, before any
	// yearly discount.
	MonthlyAmount decimal.Decimal `json:"monthlyAmount"`
	// EffectiveAmount is what one billing period actually costs: the
	// monthly amount on the monthly cycle, twelve discounted months on
	// the yearly cycle.
	EffectiveAmount decimal.Decimal `json:"effectiveAmount"`
}

// Resolve computes a quote for the tenant under the given global config.
// Precedence for the per-seat price: request override, then tenant
// override, then global default.
func Resolve(t *tenant.Tenant, cfg GlobalConfig, req QuoteRequest) (*Quote, error) {
	seats := req.Seats
	if seats == 0 {
		seats = t.PaidSeats
	}
	if seats < MinSeats || seats > MaxSeats {
		return nil, fmt.Errorf("%w: want %d..%d, got %d", ErrSeatsOutOfRange, MinSeats, MaxSeats, seats)
	}

	cycle := req.Cycle
	if cycle == "" {
		cycle = t.BillingCycle
	}
	if cycle != tenant.CycleMonthly && cycle != tenant.CycleYearly {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}

	price, source := t.EffectiveSeatPrice(cfg.DefaultSeatPrice), SourceGlobalDefault
	if t.HasSeatPriceOverride() {
		source = SourceTenantOverride
	}
	if req.OverridePrice.IsPositive() {
		price, source = req.OverridePrice, SourceRequestOverride
	}
	if !price.IsPositive() || price.GreaterThan(MaxSeatPrice) {
		return nil, fmt.Errorf("%w: must be positive and at most %s, got %s",
			ErrPriceOutOfRange, MaxSeatPrice, price)
	}

	discount := t.YearlyDiscountPercent
	if req.DiscountPercent != nil {
		discount = *req.DiscountPercent
	}
	if discount < 0 || discount > MaxDiscountPercent {
		return nil, fmt.Errorf("%w: want 0..%d, got %d", ErrDiscountOutOfRange, MaxDiscountPercent, discount)
	}

	monthly := price.Mul(decimal.NewFromInt(int64(seats))).Round(2)
	effective := monthly
	if cycle == tenant.CycleYearly {
		factor := decimal.NewFromInt(int64(100 - discount)).Div(decimal.NewFromInt(100))
		effective = price.Mul(decimal.NewFromInt(int64(seats))).
			Mul(decimal.NewFromInt(12)).Mul(factor).Round(2)
	}

	return &Quote{
		Seats:           seats,
		Cycle:           cycle,
		PricePerSeat:    price,
		Source:          source,
		Currency:        cfg.Currency,
		DiscountPercent: discount,
		MonthlyAmount:   monthly,
		EffectiveAmount: effective,
	}, nil
}

// ValidateOverride checks a per-tenant seat price override. Zero is allowed:
// it clears the override.
func ValidateOverride(price decimal.Decimal) error {
	if price.IsNegative() || price.GreaterThan(MaxSeatPrice) {
		return fmt.Errorf("%w: must be between 0 and %s", ErrPriceOutOfRange, MaxSeatPrice)
	}
	return nil
}

// ValidateDiscount checks a yearly discount percentage.
func ValidateDiscount(percent int) error {
	if percent < 0 || percent > MaxDiscountPercent {
		return fmt.Errorf("%w: want 0..%d, got %d", ErrDiscountOutOfRange, MaxDiscountPercent, percent)
	}
	return nil
}
