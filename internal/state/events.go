package state

import (
	"time"

	"github.com/scanium/scan-engine/internal/model"
)

// ErrorEvent reports a background failure (usually persistence) that did
// not affect in-memory state. Events are surfaced on a channel rather than
// thrown through the mutation path.
type ErrorEvent struct {
	Op  string
	Err error
	At  time.Time
}

// ChangeSet describes one publish cycle: the full snapshot plus the item
// ids that appeared or disappeared since the previous publish.
type ChangeSet struct {
	Snapshot   []model.ScannedItem
	NewIDs     []string
	RemovedIDs []string
}
