package pricing

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/events"
	"github.com/condohq/seatbill/internal/tenant"
)

// GlobalEventScope is the pseudo tenant id global pricing changes are
// recorded under in the billing event log.
const GlobalEventScope = "global"

// Service exposes pricing to the rest of the engine: global config reads
// and updates, plus quote resolution against live tenants.
type Service struct {
	store  ConfigStore
	events events.Store // optional
	logger *slog.Logger
}

// NewService creates a pricing service. evts may be nil.
func NewService(store ConfigStore, evts events.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, events: evts, logger: logger}
}

// Global returns the current global pricing config.
func (s *Service) Global(ctx context.Context) (*GlobalConfig, error) {
	return s.store.Get(ctx)
}

// SetGlobal validates and stores a new global default price.
func (s *Service) SetGlobal(ctx context.Context, price decimal.Decimal, currency, actor string) (*GlobalConfig, error) {
	cfg := GlobalConfig{
		DefaultSeatPrice: price,
		Currency:         currency,
		UpdatedBy:        actor,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prev, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.Update(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		e := events.New(GlobalEventScope, events.TypeGlobalPricingUpdated, actor, map[string]any{
			"previousPrice": prev.DefaultSeatPrice.String(),
			"newPrice":      updated.DefaultSeatPrice.String(),
			"currency":      updated.Currency,
		})
		if err := s.events.Append(ctx, e); err != nil {
			s.logger.Warn("pricing event not recorded", "error", err)
		}
	}
	return updated, nil
}

// Quote resolves a quote for the tenant with the current global config.
func (s *Service) Quote(ctx context.Context, t *tenant.Tenant, req QuoteRequest) (*Quote, error) {
	cfg, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return Resolve(t, *cfg, req)
}

// InvoiceAmount is what the tenant's next invoice would be for the given
// seat count on its current cycle. Zero seats means the current allotment.
func (s *Service) InvoiceAmount(ctx context.Context, t *tenant.Tenant, seats int) (decimal.Decimal, error) {
	q, err := s.Quote(ctx, t, QuoteRequest{Seats: seats})
	if err != nil {
		return decimal.Zero, err
	}
	return q.EffectiveAmount, nil
}
