package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanium/scan-engine/internal/model"
)

// recordingStore is a store.Store that records every call for assertions.
type recordingStore struct {
	mu        sync.Mutex
	upserts   [][]model.ScannedItem
	deletes   [][]string
	deleteAll int

	loadItems []model.ScannedItem
	loadErr   error
	upsertErr error
}

func (r *recordingStore) LoadAll(context.Context) ([]model.ScannedItem, error) {
	return r.loadItems, r.loadErr
}

func (r *recordingStore) UpsertAll(_ context.Context, items []model.ScannedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.upserts = append(r.upserts, items)
	return nil
}

func (r *recordingStore) Delete(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, ids)
	return nil
}

func (r *recordingStore) DeleteAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteAll++
	return nil
}

func (r *recordingStore) Migrate(context.Context) error { return nil }
func (r *recordingStore) Close() error                  { return nil }

func (r *recordingStore) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upserts)
}

func (r *recordingStore) lastUpsert() []model.ScannedItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.upserts) == 0 {
		return nil
	}
	return r.upserts[len(r.upserts)-1]
}

func (r *recordingStore) allDeletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ids := range r.deletes {
		out = append(out, ids...)
	}
	return out
}

func snapshotOf(ids ...string) []model.ScannedItem {
	out := make([]model.ScannedItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.ScannedItem{ID: id, Category: "shoe"})
	}
	return out
}

func TestBridge_CoalescesRapidSnapshots(t *testing.T) {
	t.Parallel()

	rec := &recordingStore{}
	b := NewBridge(rec, 30*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Three enqueues inside one debounce window write once, with the
	// newest snapshot and the removals from every skipped cycle.
	b.Enqueue(snapshotOf("a", "b"), nil)
	b.Enqueue(snapshotOf("b"), []string{"a"})
	b.Enqueue(snapshotOf("b", "c"), []string{"x"})

	require.Eventually(t, func() bool { return rec.upsertCount() == 1 }, time.Second, 5*time.Millisecond)

	last := rec.lastUpsert()
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].ID)
	assert.Equal(t, "c", last[1].ID)
	assert.ElementsMatch(t, []string{"a", "x"}, rec.allDeletes())
}

func TestBridge_FinalFlushOnShutdown(t *testing.T) {
	t.Parallel()

	rec := &recordingStore{}
	b := NewBridge(rec, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	// The debounce is far longer than the test; only the shutdown flush
	// can write this snapshot.
	b.Enqueue(snapshotOf("a"), nil)
	cancel()

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
	require.Equal(t, 1, rec.upsertCount())
	assert.Equal(t, "a", rec.lastUpsert()[0].ID)
}

func TestBridge_ClearDropsPendingWrites(t *testing.T) {
	t.Parallel()

	rec := &recordingStore{}
	b := NewBridge(rec, time.Minute, nil)

	b.Enqueue(snapshotOf("a"), []string{"old"})
	require.NoError(t, b.Clear(context.Background()))
	assert.Equal(t, 1, rec.deleteAll)

	// Cancelled run flushes nothing because Clear emptied the queue.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)
	assert.Zero(t, rec.upsertCount())
	assert.Empty(t, rec.allDeletes())
}

func TestBridge_SurfacesWriteFailures(t *testing.T) {
	t.Parallel()

	rec := &recordingStore{upsertErr: errors.New("disk full")}

	events := make(chan ErrorEvent, 1)
	b := NewBridge(rec, 10*time.Millisecond, func(ev ErrorEvent) {
		select {
		case events <- ev:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Enqueue(snapshotOf("a"), nil)

	select {
	case ev := <-events:
		assert.Equal(t, "upsert", ev.Op)
		assert.ErrorContains(t, ev.Err, "disk full")
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestBridge_Load(t *testing.T) {
	t.Parallel()

	rec := &recordingStore{loadItems: snapshotOf("a", "b")}
	b := NewBridge(rec, 0, nil)

	items, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
