package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/condohq/seatbill/internal/events"
)

// PostgresStore persists tenant billing records in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	events *events.PostgresStore // optional; nil disables event recording
}

// NewPostgresStore creates a PostgreSQL-backed tenant store. Events recorded
// by mutations are written through evts in the same transaction as the
// mutation; evts may be nil.
func NewPostgresStore(db *sql.DB, evts *events.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, events: evts}
}

const tenantColumns = `id, name, environment, billing_status, billing_cycle,
	paid_seats, active_users, seat_price_override, yearly_discount_percent,
	grace_period_days, next_billing_date, balance_due, total_paid_current_cycle,
	next_invoice_amount, billing_provider, provider_customer_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant, evts ...*events.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO condominiums (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.Name, string(t.Environment), string(t.BillingStatus), string(t.BillingCycle),
		t.PaidSeats, t.ActiveUsers, nullDecimal(t.SeatPriceOverride), t.YearlyDiscountPercent,
		t.GracePeriodDays, t.NextBillingDate, t.BalanceDue.String(), t.TotalPaidCurrentCycle.String(),
		t.NextInvoiceAmount.String(), t.BillingProvider, nullString(t.ProviderCustomerID),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}

	if err := p.appendTx(ctx, tx, evts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.notify(evts)
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM condominiums WHERE id = $1`, id))
}

func (p *PostgresStore) GetByProviderCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	return scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM condominiums WHERE provider_customer_id = $1`, customerID))
}

// UpdateIf locks the tenant's row, applies the mutator to the scanned copy,
// and writes the copy back together with the mutator's events in one
// transaction. A mutator error rolls everything back.
func (p *PostgresStore) UpdateIf(ctx context.Context, id string, mutate Mutator) (*Tenant, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTenant(tx.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM condominiums WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	evts, err := mutate(t)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE condominiums SET
			name = $1, environment = $2, billing_status = $3, billing_cycle = $4,
			paid_seats = $5, active_users = $6, seat_price_override = $7,
			yearly_discount_percent = $8, grace_period_days = $9, next_billing_date = $10,
			balance_due = $11, total_paid_current_cycle = $12, next_invoice_amount = $13,
			billing_provider = $14, provider_customer_id = $15, updated_at = $16
		WHERE id = $17`,
		t.Name, string(t.Environment), string(t.BillingStatus), string(t.BillingCycle),
		t.PaidSeats, t.ActiveUsers, nullDecimal(t.SeatPriceOverride), t.YearlyDiscountPercent,
		t.GracePeriodDays, t.NextBillingDate, t.BalanceDue.String(), t.TotalPaidCurrentCycle.String(),
		t.NextInvoiceAmount.String(), t.BillingProvider, nullString(t.ProviderCustomerID),
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	if err := p.appendTx(ctx, tx, evts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.notify(evts)
	return t, nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Tenant, int, error) {
	where, args := buildWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM condominiums`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + tenantColumns + ` FROM condominiums` + where + orderClause(q)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	list := []*Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, t)
	}
	return list, total, rows.Err()
}

func (p *PostgresStore) Summarize(ctx context.Context, q Query, defaultSeatPrice decimal.Decimal) (*Summary, error) {
	where, args := buildWhere(q)
	priceArg := len(args) + 1
	args = append(args, defaultSeatPrice.String())

	// Mirrors Tenant.MonthlyRevenue: override when positive else default,
	// yearly discount applied, rounded per tenant before summing.
	query := fmt.Sprintf(`
		SELECT COUNT(*),
			COALESCE(SUM(paid_seats), 0),
			COALESCE(SUM(active_users), 0),
			COALESCE(SUM(ROUND(
				COALESCE(NULLIF(seat_price_override, 0), $%d::NUMERIC) * paid_seats *
				CASE WHEN billing_cycle = 'yearly' AND yearly_discount_percent > 0
					THEN (100 - yearly_discount_percent)::NUMERIC / 100
					ELSE 1 END, 2)), 0)::TEXT
		FROM condominiums`, priceArg) + where

	s := &Summary{}
	var revenue string
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&s.Tenants, &s.PaidSeats, &s.ActiveUsers, &revenue); err != nil {
		return nil, err
	}
	var err error
	if s.MonthlyRevenue, err = decimal.NewFromString(revenue); err != nil {
		return nil, fmt.Errorf("parse revenue total: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM condominiums
		WHERE environment = $1
		  AND billing_status = ANY($2)
		  AND next_billing_date <= $3
		ORDER BY next_billing_date`,
		string(EnvProduction), pq.Array(statusStrings(dueStatuses)), now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, t)
	}
	return due, rows.Err()
}

// BackfillDefaults locks every row with a missing billing field, fills the
// onboarding defaults for its environment, and records one backfill event
// per repaired tenant, all in one transaction.
func (p *PostgresStore) BackfillDefaults(ctx context.Context, params BackfillParams) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM condominiums
		WHERE billing_status IS NULL OR billing_cycle IS NULL
		   OR paid_seats IS NULL OR paid_seats = 0
		   OR grace_period_days IS NULL OR grace_period_days = 0
		   OR next_billing_date IS NULL
		   OR billing_provider IS NULL
		ORDER BY id
		FOR UPDATE`)
	if err != nil {
		return 0, err
	}

	var incomplete []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		incomplete = append(incomplete, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	var recorded []*events.Event
	for _, t := range incomplete {
		fields := missingBillingFields(t)
		t.ApplyDefaults(params.Now, params.GracePeriodDays)
		t.UpdatedAt = params.Now

		_, err := tx.ExecContext(ctx, `
			UPDATE condominiums SET
				billing_status = $1, billing_cycle = $2, paid_seats = $3,
				grace_period_days = $4, next_billing_date = $5, billing_provider = $6,
				updated_at = $7
			WHERE id = $8`,
			string(t.BillingStatus), string(t.BillingCycle), t.PaidSeats,
			t.GracePeriodDays, t.NextBillingDate, t.BillingProvider, t.UpdatedAt, t.ID,
		)
		if err != nil {
			return 0, err
		}

		e := backfillEvent(t, fields, params.Actor)
		if err := p.appendTx(ctx, tx, []*events.Event{e}); err != nil {
			return 0, err
		}
		recorded = append(recorded, e)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	p.notify(recorded)
	return len(incomplete), nil
}

func (p *PostgresStore) appendTx(ctx context.Context, tx *sql.Tx, evts []*events.Event) error {
	if p.events == nil {
		return nil
	}
	for _, e := range evts {
		if err := p.events.AppendTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) notify(evts []*events.Event) {
	if p.events == nil || len(evts) == 0 {
		return
	}
	p.events.Notify(evts...)
}

func buildWhere(q Query) (string, []any) {
	var conds []string
	var args []any

	if len(q.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(q.Statuses)))
		conds = append(conds, fmt.Sprintf("billing_status = ANY($%d)", len(args)))
	}
	if q.Provider != "" {
		args = append(args, q.Provider)
		conds = append(conds, fmt.Sprintf("billing_provider = $%d", len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		conds = append(conds, fmt.Sprintf("(name ILIKE $%d OR id ILIKE $%d)", len(args), len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orderClause maps the sort key to a column from a fixed whitelist; the
// query value never reaches the SQL directly.
func orderClause(q Query) string {
	col := "created_at"
	switch q.SortBy {
	case "name":
		col = "LOWER(name)"
	case "paid_seats":
		col = "paid_seats"
	case "active_users":
		col = "active_users"
	case "next_billing_date":
		col = "next_billing_date"
	case "balance_due":
		col = "balance_due"
	}
	dir := "ASC"
	if strings.EqualFold(q.SortOrder, "desc") {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		environment, billingStatus, billingCycle, billingProvider sql.NullString
		paidSeats, discount, graceDays                            sql.NullInt64
		override, balance, totalPaid, invoice                     sql.NullString
		nextBilling                                               sql.NullTime
		providerCustomerID                                        sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &environment, &billingStatus, &billingCycle,
		&paidSeats, &t.ActiveUsers, &override, &discount,
		&graceDays, &nextBilling, &balance, &totalPaid,
		&invoice, &billingProvider, &providerCustomerID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Environment = Environment(environment.String)
	t.BillingStatus = Status(billingStatus.String)
	t.BillingCycle = Cycle(billingCycle.String)
	t.PaidSeats = int(paidSeats.Int64)
	t.YearlyDiscountPercent = int(discount.Int64)
	t.GracePeriodDays = int(graceDays.Int64)
	t.NextBillingDate = nextBilling.Time
	t.BillingProvider = billingProvider.String
	t.ProviderCustomerID = providerCustomerID.String

	if t.SeatPriceOverride, err = parseDecimal(override); err != nil {
		return nil, fmt.Errorf("seat_price_override: %w", err)
	}
	if t.BalanceDue, err = parseDecimal(balance); err != nil {
		return nil, fmt.Errorf("balance_due: %w", err)
	}
	if t.TotalPaidCurrentCycle, err = parseDecimal(totalPaid); err != nil {
		return nil, fmt.Errorf("total_paid_current_cycle: %w", err)
	}
	if t.NextInvoiceAmount, err = parseDecimal(invoice); err != nil {
		return nil, fmt.Errorf("next_invoice_amount: %w", err)
	}
	return t, nil
}

func parseDecimal(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v.String)
}

func nullDecimal(d decimal.Decimal) sql.NullString {
	return sql.NullString{String: d.String(), Valid: d.IsPositive()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Migrate creates the condominiums table (used in dev/test; prod uses
// migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS condominiums (
			id                       VARCHAR(40) PRIMARY KEY,
			name                     TEXT NOT NULL,
			environment              VARCHAR(12) NOT NULL DEFAULT 'production',
			billing_status           VARCHAR(20),
			billing_cycle            VARCHAR(10),
			paid_seats               INTEGER,
			active_users             INTEGER NOT NULL DEFAULT 0,
			seat_price_override      NUMERIC(12,2),
			yearly_discount_percent  INTEGER NOT NULL DEFAULT 0,
			grace_period_days        INTEGER,
			next_billing_date        TIMESTAMPTZ,
			balance_due              NUMERIC(14,2) NOT NULL DEFAULT 0,
			total_paid_current_cycle NUMERIC(14,2) NOT NULL DEFAULT 0,
			next_invoice_amount      NUMERIC(14,2) NOT NULL DEFAULT 0,
			billing_provider         VARCHAR(10),
			provider_customer_id     TEXT,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT active_users_non_negative CHECK (active_users >= 0),
			CONSTRAINT active_users_within_seats CHECK (active_users <= paid_seats)
		);
		CREATE INDEX IF NOT EXISTS idx_condominiums_billing_status ON condominiums(billing_status);
		CREATE INDEX IF NOT EXISTS idx_condominiums_next_billing ON condominiums(next_billing_date)
			WHERE environment = 'production';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_condominiums_provider_customer
			ON condominiums(provider_customer_id) WHERE provider_customer_id IS NOT NULL;
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
