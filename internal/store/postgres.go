package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/scanium/scan-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore from a connection string.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scanned_items (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL DEFAULT '',
	item       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scanned_items_category ON scanned_items(category);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]model.ScannedItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item FROM scanned_items ORDER BY (item->>'first_seen_ms')::bigint, id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load items")
	}
	defer rows.Close()

	var items []model.ScannedItem
	for rows.Next() {
		var itemJSON []byte
		if err := rows.Scan(&itemJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		var item model.ScannedItem
		if err := json.Unmarshal(itemJSON, &item); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal item")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: load items iterate")
}

func (s *PostgresStore) UpsertAll(ctx context.Context, items []model.ScannedItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, item := range items {
		itemJSON, err := json.Marshal(item)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal item %s", item.ID)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO scanned_items (id, category, item, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET category = EXCLUDED.category, item = EXCLUDED.item, updated_at = EXCLUDED.updated_at`,
			item.ID, item.Category, itemJSON, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert item %s", item.ID)
		}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM scanned_items WHERE id = ANY($1)`, ids,
	)
	return eris.Wrap(err, "postgres: delete items")
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scanned_items`)
	return eris.Wrap(err, "postgres: delete all")
}
