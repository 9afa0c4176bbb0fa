package store

import (
	"context"

	"github.com/scanium/scan-engine/internal/model"
)

// Store is the persistence contract for scanned items. The state manager
// calls it with overlapping rapid snapshots and never waits for a write to
// finish before accepting the next mutation, so implementations must
// converge to the latest write: last-write-wins per item id is acceptable.
type Store interface {
	// LoadAll returns every persisted item.
	LoadAll(ctx context.Context) ([]model.ScannedItem, error)

	// UpsertAll inserts or replaces the given items by id.
	UpsertAll(ctx context.Context, items []model.ScannedItem) error

	// DeleteAll removes every persisted item.
	DeleteAll(ctx context.Context) error

	// Delete removes the items with the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	Close() error
}
