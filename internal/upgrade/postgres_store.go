package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists upgrade requests in PostgreSQL. The
// one-pending-per-tenant invariant is a partial unique index, so concurrent
// submissions race safely at the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed upgrade request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, tenant_id, requested_by, requested_seats, reason,
	status, resolved_by, resolution_note, resolved_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO seat_upgrade_requests
			(id, tenant_id, requested_by, requested_seats, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TenantID, r.RequestedBy, r.RequestedSeats, r.Reason, string(r.Status), r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrPendingExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM seat_upgrade_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) PendingByTenant(ctx context.Context, tenantID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM seat_upgrade_requests
		WHERE tenant_id = $1 AND status = 'pending'`, tenantID)
	return scanRequest(row)
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM seat_upgrade_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, to RequestStatus, resolvedBy, note string, at time.Time) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE seat_upgrade_requests
		SET status = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns,
		id, string(to), resolvedBy, note, at.UTC(),
	)
	r, err := scanRequest(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// No pending row matched: distinguish already-resolved from unknown.
	var status string
	scanErr := p.db.QueryRowContext(ctx,
		`SELECT status FROM seat_upgrade_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return nil, &ResolvedError{Status: RequestStatus(status)}
}

// Migrate creates the requests table. Production deployments run the goose
// migrations instead; this keeps tests and small setups self-contained.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seat_upgrade_requests (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			requested_by    TEXT NOT NULL,
			requested_seats INTEGER NOT NULL CHECK (requested_seats > 0),
			reason          TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			resolved_by     TEXT,
			resolution_note TEXT,
			resolved_at     TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_upgrade_requests_one_pending
			ON seat_upgrade_requests (tenant_id) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_upgrade_requests_tenant
			ON seat_upgrade_requests (tenant_id, created_at DESC);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r          Request
		status     string
		resolvedBy sql.NullString
		note       sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.RequestedBy, &r.RequestedSeats, &r.Reason,
		&status, &resolvedBy, &note, &resolvedAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.ResolvedBy = resolvedBy.String
	r.ResolutionNote = note.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		r.ResolvedAt = &at
	}
	return &r, nil
}
