package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Trigger records how a sweep was started.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Run summarizes one billing sweep.
type Run struct {
	ID                 string    `json:"id"`
	Trigger            Trigger   `json:"trigger"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
	TenantsProcessed   int       `json:"tenantsProcessed"`
	TransitionsApplied int       `json:"transitionsApplied"`
	Skipped            int       `json:"skipped"`
	Errors             int       `json:"errors"`
	ErrorDetail        string    `json:"errorDetail,omitempty"`
}

// RunStore persists sweep summaries for the history endpoint.
type RunStore interface {
	Record(ctx context.Context, r *Run) error
	// Recent returns up to limit runs, most recent first.
	Recent(ctx context.Context, limit int) ([]*Run, error)
}

// MemoryRunStore keeps the most recent runs in a bounded slice.
type MemoryRunStore struct {
	mu    sync.RWMutex
	runs  []*Run
	limit int
}

// NewMemoryRunStore creates a run store retaining the last limit runs.
func NewMemoryRunStore(limit int) *MemoryRunStore {
	if limit <= 0 {
		limit = 50
	}
	return &MemoryRunStore{limit: limit}
}

func (m *MemoryRunStore) Record(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.runs = append(m.runs, &cp)
	if len(m.runs) > m.limit {
		m.runs = m.runs[len(m.runs)-m.limit:]
	}
	return nil
}

func (m *MemoryRunStore) Recent(_ context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.runs) {
		limit = len(m.runs)
	}
	out := make([]*Run, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.runs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// PostgresRunStore persists sweep summaries in PostgreSQL.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a PostgreSQL-backed run store.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (p *PostgresRunStore) Record(ctx context.Context, r *Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_scheduler_runs
			(id, triggered_by, started_at, finished_at,
			 tenants_processed, transitions_applied, skipped, errors, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Trigger), r.StartedAt, r.FinishedAt,
		r.TenantsProcessed, r.TransitionsApplied, r.Skipped, r.Errors, r.ErrorDetail,
	)
	return err
}

func (p *PostgresRunStore) Recent(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, triggered_by, started_at, finished_at,
		       tenants_processed, transitions_applied, skipped, errors, error_detail
		FROM billing_scheduler_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var (
			r       Run
			trigger string
		)
		if err := rows.Scan(
			&r.ID, &trigger, &r.StartedAt, &r.FinishedAt,
			&r.TenantsProcessed, &r.TransitionsApplied, &r.Skipped, &r.Errors, &r.ErrorDetail,
		); err != nil {
			return nil, err
		}
		r.Trigger = Trigger(trigger)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Migrate creates the runs table. Production deployments run the goose
// migrations instead.
func (p *PostgresRunStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_scheduler_runs (
			id                  TEXT PRIMARY KEY,
			triggered_by        TEXT NOT NULL,
			started_at          TIMESTAMPTZ NOT NULL,
			finished_at         TIMESTAMPTZ NOT NULL,
			tenants_processed   INTEGER NOT NULL DEFAULT 0,
			transitions_applied INTEGER NOT NULL DEFAULT 0,
			skipped             INTEGER NOT NULL DEFAULT 0,
			errors              INTEGER NOT NULL DEFAULT 0,
			error_detail        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_scheduler_runs_started
			ON billing_scheduler_runs (started_at DESC);
	`)
	return err
}
