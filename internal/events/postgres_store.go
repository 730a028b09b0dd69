package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/condohq/seatbill/internal/pagination"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	mu   sync.RWMutex
	sink func(*Event)
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the billing_events table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_events (
			event_id    UUID PRIMARY KEY,
			tenant_id   VARCHAR(40) NOT NULL,
			event_type  VARCHAR(40) NOT NULL,
			payload     JSONB NOT NULL DEFAULT '{}',
			actor       VARCHAR(120) NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_billing_events_tenant
			ON billing_events(tenant_id, created_at DESC, event_id DESC);
	`)
	return err
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendTx writes an event through the caller's transaction so the event
// commits or rolls back together with the mutation it records. The caller
// must Notify after a successful commit.
func (s *PostgresStore) AppendTx(ctx context.Context, q Execer, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO billing_events (event_id, tenant_id, event_type, payload, actor, created_at)
		VALUES ($1, $2, $3, $4::JSONB, $5, $6)
	`, e.ID, e.TenantID, e.Type, string(payload), e.Actor, e.CreatedAt)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	if err := s.AppendTx(ctx, s.db, e); err != nil {
		return err
	}
	s.Notify(e)
	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, opts ListOptions) ([]*Event, string, error) {
	limit, err := normalizeLimit(opts.Limit)
	if err != nil {
		return nil, "", err
	}
	cursor, err := pagination.Decode(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	var rows *sql.Rows
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT event_id, tenant_id, event_type, payload::TEXT, actor, created_at
			FROM billing_events
			WHERE tenant_id = $1 AND (created_at, event_id::TEXT) < ($2, $3)
			ORDER BY created_at DESC, event_id DESC
			LIMIT $4
		`, tenantID, cursor.CreatedAt, cursor.ID, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT event_id, tenant_id, event_type, payload::TEXT, actor, created_at
			FROM billing_events
			WHERE tenant_id = $1
			ORDER BY created_at DESC, event_id DESC
			LIMIT $2
		`, tenantID, limit+1)
	}
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var list []*Event
	for rows.Next() {
		e := &Event{}
		var payload string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Type, &payload, &e.Actor, &e.CreatedAt); err != nil {
			return nil, "", err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, "", fmt.Errorf("events: unmarshal payload: %w", err)
			}
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(list, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

func (s *PostgresStore) SetSink(fn func(*Event)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

func (s *PostgresStore) Notify(evts ...*Event) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return
	}
	for _, e := range evts {
		sink(e)
	}
}
