package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/scanium/scan-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Items are stored
// as one JSON document per row so the schema tracks the model without
// migrations for every new field.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN with WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scanned_items (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL DEFAULT '',
	item       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_scanned_items_category ON scanned_items(category);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]model.ScannedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item FROM scanned_items ORDER BY json_extract(item, '$.first_seen_ms'), id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load items")
	}
	defer rows.Close()

	var items []model.ScannedItem
	for rows.Next() {
		var itemJSON string
		if err := rows.Scan(&itemJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		var item model.ScannedItem
		if err := json.Unmarshal([]byte(itemJSON), &item); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal item")
		}
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: load items iterate")
}

func (s *SQLiteStore) UpsertAll(ctx context.Context, items []model.ScannedItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		itemJSON, err := json.Marshal(item)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal item %s", item.ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scanned_items (id, category, item, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET category = excluded.category, item = excluded.item, updated_at = excluded.updated_at`,
			item.ID, item.Category, string(itemJSON), now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert item %s", item.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scanned_items WHERE id IN (`+placeholders+`)`, args...,
	)
	return eris.Wrap(err, "sqlite: delete items")
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scanned_items`)
	return eris.Wrap(err, "sqlite: delete all")
}
