// Package admin is the super-admin surface of the billing engine:
// onboarding condominium billing records, the cross-tenant overview,
// per-tenant pricing corrections, and the billing-defaults backfill.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/idgen"
	"github.com/condohq/seatbill/internal/pagination"
	"github.com/condohq/seatbill/internal/pricing"
	"github.com/condohq/seatbill/internal/tenant"
	"github.com/condohq/seatbill/internal/validation"
)

// Service implements the super-admin operations that do not belong to a
// more specific engine package.
type Service struct {
	tenants         tenant.Store
	pricing         *pricing.Service
	gracePeriodDays int
	logger          *slog.Logger
}

// NewService creates the admin service. gracePeriodDays seeds new and
// backfilled tenants.
func NewService(tenants tenant.Store, pricingSvc *pricing.Service, gracePeriodDays int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tenants:         tenants,
		pricing:         pricingSvc,
		gracePeriodDays: gracePeriodDays,
		logger:          logger,
	}
}

// OnboardParams describes a new condominium billing record. Zero values
// take the onboarding defaults; Trialing only applies to production
// tenants.
type OnboardParams struct {
	Name                  string
	Environment           tenant.Environment
	Trialing              bool
	Cycle                 tenant.Cycle
	Provider              string
	ProviderCustomerID    string
	YearlyDiscountPercent int
	Actor                 string
}

// Onboard creates the billing projection for a new condominium and records
// tenant_onboarded. The caller has already validated enum fields.
func (s *Service) Onboard(ctx context.Context, p OnboardParams) (*tenant.Tenant, error) {
	name := validation.SanitizeString(p.Name, validation.MaxNameLength)
	if name == "" {
		return nil, tenant.ErrNameRequired
	}
	if err := pricing.ValidateDiscount(p.YearlyDiscountPercent); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &tenant.Tenant{
		ID:                    idgen.WithPrefix("ten_"),
		Name:                  name,
		Environment:           p.Environment,
		BillingCycle:          p.Cycle,
		BillingProvider:       p.Provider,
		ProviderCustomerID:    p.ProviderCustomerID,
		YearlyDiscountPercent: p.YearlyDiscountPercent,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if p.Trialing && p.Environment != tenant.EnvDemo {
		t.BillingStatus = tenant.StatusTrialing
	}
	t.ApplyDefaults(now, s.gracePeriodDays)

	amount, err := s.pricing.InvoiceAmount(ctx, t, t.PaidSeats)
	if err != nil {
		return nil, fmt.Errorf("price initial invoice: %w", err)
	}
	t.NextInvoiceAmount = amount

	evt := events.New(t.ID, events.TypeTenantOnboarded, p.Actor, map[string]any{
		"name":            t.Name,
		"environment":     string(t.Environment),
		"billingStatus":   string(t.BillingStatus),
		"billingCycle":    string(t.BillingCycle),
		"billingProvider": t.BillingProvider,
		"paidSeats":       t.PaidSeats,
	})
	if err := s.tenants.Create(ctx, t, evt); err != nil {
		return nil, err
	}

	s.logger.Info("condominium onboarded",
		"tenant", t.ID, "name", t.Name, "environment", string(t.Environment),
		"status", string(t.BillingStatus), "seats", t.PaidSeats, "actor", p.Actor)
	return t, nil
}

// Overview is one page of the cross-tenant billing listing plus aggregates
// over the whole filtered set.
type Overview struct {
	Condominiums []*tenant.Tenant `json:"condominiums"`
	Totals       *tenant.Summary  `json:"totals"`
	Page         int              `json:"page"`
	PerPage      int              `json:"perPage"`
	Total        int              `json:"total"`
}

// Overview lists tenants matching q, one page at a time. Totals always
// cover every match, not just the page.
func (s *Service) Overview(ctx context.Context, q tenant.Query, page pagination.Params) (*Overview, error) {
	q.Limit = page.PerPage
	q.Offset = page.Offset()

	items, total, err := s.tenants.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list condominiums: %w", err)
	}
	if items == nil {
		items = []*tenant.Tenant{}
	}

	cfg, err := s.pricing.Global(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}
	totals, err := s.tenants.Summarize(ctx, q, cfg.DefaultSeatPrice)
	if err != nil {
		return nil, fmt.Errorf("summarize condominiums: %w", err)
	}

	return &Overview{
		Condominiums: items,
		Totals:       totals,
		Page:         page.Page,
		PerPage:      page.PerPage,
		Total:        total,
	}, nil
}

// SetSeatPriceOverride sets or clears a tenant's per-seat price override.
// Zero clears. The new price applies from the next cycle rollover or seat
// upgrade; an invoice already issued keeps its amount.
func (s *Service) SetSeatPriceOverride(ctx context.Context, tenantID string, price decimal.Decimal, actor string) (*tenant.Tenant, error) {
	if err := pricing.ValidateOverride(price); err != nil {
		return nil, err
	}

	t, err := s.tenants.UpdateIf(ctx, tenantID, func(t *tenant.Tenant) ([]*events.Event, error) {
		if price.IsZero() {
			if !t.HasSeatPriceOverride() {
				return nil, nil
			}
			prev := t.SeatPriceOverride
			t.SeatPriceOverride = decimal.Zero
			return []*events.Event{events.New(t.ID, events.TypePricingOverrideCleared, actor, map[string]any{
				"previous": prev.String(),
			})}, nil
		}

		from := t.SeatPriceOverride
		t.SeatPriceOverride = price
		return []*events.Event{events.New(t.ID, events.TypePricingOverrideSet, actor, map[string]any{
			"from": from.String(),
			"to":   price.String(),
		})}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("seat price override updated",
		"tenant", tenantID, "override", price.String(), "actor", actor)
	return t, nil
}

// Backfill repairs tenants missing billing defaults. Idempotent; returns
// how many records were updated.
func (s *Service) Backfill(ctx context.Context, actor string) (int, error) {
	updated, err := s.tenants.BackfillDefaults(ctx, tenant.BackfillParams{
		GracePeriodDays: s.gracePeriodDays,
		Now:             time.Now().UTC(),
		Actor:           actor,
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("billing defaults backfilled", "updated", updated, "actor", actor)
	return updated, nil
}
