package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/store"
)

// defaultDebounce is how long the bridge coalesces rapid snapshots before
// writing. A burst of frame-rate mutations produces one store write.
const defaultDebounce = 200 * time.Millisecond

// Bridge translates published snapshots into store writes. Writes are
// debounced and fire-and-forget: the mutation path never waits on the
// store, and failures surface through the error callback only. Because
// every flush writes the newest full snapshot, overlapping writes converge
// to the latest state.
type Bridge struct {
	store    store.Store
	debounce time.Duration
	onError  func(ErrorEvent)

	mu       sync.Mutex
	pending  []model.ScannedItem
	removals []string
	dirty    bool
	wake     chan struct{}
	stopped  chan struct{}
}

// NewBridge creates a persistence bridge over the given store. onError may
// be nil.
func NewBridge(st store.Store, debounce time.Duration, onError func(ErrorEvent)) *Bridge {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Bridge{
		store:    st,
		debounce: debounce,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// Done is closed after Run has completed its final flush. Shutdown waits on
// it before closing the store.
func (b *Bridge) Done() <-chan struct{} {
	return b.stopped
}

// Load reads the persisted snapshot for seeding the aggregator.
func (b *Bridge) Load(ctx context.Context) ([]model.ScannedItem, error) {
	return b.store.LoadAll(ctx)
}

// Enqueue records the latest snapshot and any removed ids for the next
// flush. Only the newest snapshot is kept; removals accumulate.
func (b *Bridge) Enqueue(snapshot []model.ScannedItem, removedIDs []string) {
	b.mu.Lock()
	b.pending = snapshot
	b.removals = append(b.removals, removedIDs...)
	b.dirty = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Clear synchronously empties the store. Used by "clear all items".
func (b *Bridge) Clear(ctx context.Context) error {
	b.mu.Lock()
	b.pending = nil
	b.removals = nil
	b.dirty = false
	b.mu.Unlock()
	return b.store.DeleteAll(ctx)
}

// Run drives the debounce loop until ctx is cancelled. A final flush runs
// on shutdown so the last snapshot is not lost.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-b.wake:
		}

		timer := time.NewTimer(b.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.flush(context.Background())
			return
		case <-timer.C:
		}

		b.flush(ctx)
	}
}

func (b *Bridge) flush(ctx context.Context) {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return
	}
	snapshot := b.pending
	removals := b.removals
	b.pending = nil
	b.removals = nil
	b.dirty = false
	b.mu.Unlock()

	if len(removals) > 0 {
		if err := b.store.Delete(ctx, removals); err != nil {
			b.fail("delete", err)
		}
	}
	if err := b.store.UpsertAll(ctx, snapshot); err != nil {
		b.fail("upsert", err)
	}
}

func (b *Bridge) fail(op string, err error) {
	zap.L().Warn("persistence bridge write failed",
		zap.String("op", op),
		zap.Error(err),
	)
	if b.onError != nil {
		b.onError(ErrorEvent{Op: op, Err: err, At: time.Now()})
	}
}
