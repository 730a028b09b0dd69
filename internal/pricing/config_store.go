package pricing

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ConfigStore persists the single global pricing row.
type ConfigStore interface {
	// Get returns the stored config, or the seeded default when nothing has
	// been written yet.
	Get(ctx context.Context) (*GlobalConfig, error)
	// Update replaces the config. The caller validates first.
	Update(ctx context.Context, cfg GlobalConfig) (*GlobalConfig, error)
}

// MemoryConfigStore keeps the global pricing config in memory.
type MemoryConfigStore struct {
	mu  sync.RWMutex
	cfg GlobalConfig
}

// NewMemoryConfigStore creates a config store seeded with the given default.
func NewMemoryConfigStore(seed GlobalConfig) *MemoryConfigStore {
	return &MemoryConfigStore{cfg: seed}
}

func (m *MemoryConfigStore) Get(_ context.Context) (*GlobalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	return &cfg, nil
}

func (m *MemoryConfigStore) Update(_ context.Context, cfg GlobalConfig) (*GlobalConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	out := cfg
	return &out, nil
}

// PostgresConfigStore persists the global pricing config as a single row.
type PostgresConfigStore struct {
	db   *sql.DB
	seed GlobalConfig
}

// NewPostgresConfigStore creates a PostgreSQL-backed config store. Reads
// before the first update return seed.
func NewPostgresConfigStore(db *sql.DB, seed GlobalConfig) *PostgresConfigStore {
	return &PostgresConfigStore{db: db, seed: seed}
}

func (p *PostgresConfigStore) Get(ctx context.Context) (*GlobalConfig, error) {
	var (
		price     string
		cfg       GlobalConfig
		updatedBy sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT default_seat_price::TEXT, currency, updated_by, updated_at
		FROM billing_pricing_config WHERE id = 1`).
		Scan(&price, &cfg.Currency, &updatedBy, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		seed := p.seed
		return &seed, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.UpdatedBy = updatedBy.String
	if cfg.DefaultSeatPrice, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *PostgresConfigStore) Update(ctx context.Context, cfg GlobalConfig) (*GlobalConfig, error) {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_pricing_config (id, default_seat_price, currency, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			default_seat_price = EXCLUDED.default_seat_price,
			currency = EXCLUDED.currency,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		cfg.DefaultSeatPrice.String(), cfg.Currency, cfg.UpdatedBy, cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	out := cfg
	return &out, nil
}

// Migrate creates the pricing config table (used in dev/test; prod uses
// migration files).
func (p *PostgresConfigStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_pricing_config (
			id                 SMALLINT PRIMARY KEY CHECK (id = 1),
			default_seat_price NUMERIC(12,2) NOT NULL,
			currency           VARCHAR(3) NOT NULL,
			updated_by         VARCHAR(120),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

var (
	_ ConfigStore = (*MemoryConfigStore)(nil)
	_ ConfigStore = (*PostgresConfigStore)(nil)
)
