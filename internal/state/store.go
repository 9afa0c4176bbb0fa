package state

import (
	"sync"

	"github.com/scanium/scan-engine/internal/cache"
	"github.com/scanium/scan-engine/internal/model"
)

// ItemStore holds the current published list of scanned items and fans it
// out to observers. It computes new-since-last-publish diffs and rewrites
// thumbnail bytes into the injected cache before anything leaves the
// single-writer context, so the observable state never carries raw images.
type ItemStore struct {
	mu     sync.RWMutex
	items  []model.ScannedItem
	ids    map[string]struct{}
	thumbs *cache.ThumbnailCache

	snapshotSubs []chan []model.ScannedItem
	newItemSubs  []chan model.ScannedItem
}

// NewItemStore creates an empty store backed by the given thumbnail cache.
func NewItemStore(thumbs *cache.ThumbnailCache) *ItemStore {
	if thumbs == nil {
		thumbs = cache.NewThumbnailCache(0)
	}
	return &ItemStore{
		thumbs: thumbs,
		ids:    make(map[string]struct{}),
	}
}

// Publish projects the aggregated items into the published snapshot and
// returns the change set. Called only from the state manager's writer.
func (s *ItemStore) Publish(aggregated []*model.AggregatedItem) ChangeSet {
	snapshot := make([]model.ScannedItem, 0, len(aggregated))
	nextIDs := make(map[string]struct{}, len(aggregated))

	for _, item := range aggregated {
		scanned := item.Project()
		if len(item.ThumbnailPNG) > 0 {
			s.thumbs.Put(item.AggregatedID, item.ThumbnailPNG)
			scanned.ThumbKey = item.AggregatedID
		}
		snapshot = append(snapshot, scanned)
		nextIDs[item.AggregatedID] = struct{}{}
	}

	s.mu.Lock()
	var change ChangeSet
	change.Snapshot = snapshot
	for id := range nextIDs {
		if _, seen := s.ids[id]; !seen {
			change.NewIDs = append(change.NewIDs, id)
		}
	}
	for id := range s.ids {
		if _, kept := nextIDs[id]; !kept {
			change.RemovedIDs = append(change.RemovedIDs, id)
		}
	}
	s.items = snapshot
	s.ids = nextIDs
	snapshotSubs := append([]chan []model.ScannedItem(nil), s.snapshotSubs...)
	newItemSubs := append([]chan model.ScannedItem(nil), s.newItemSubs...)
	s.mu.Unlock()

	for _, id := range change.RemovedIDs {
		s.thumbs.Remove(id)
	}

	// Fan out without blocking the writer: a subscriber that stopped
	// draining misses intermediate snapshots, not the final one, because
	// every publish retries delivery of the full current state.
	for _, ch := range snapshotSubs {
		select {
		case ch <- snapshot:
		default:
		}
	}
	newByID := make(map[string]model.ScannedItem, len(change.NewIDs))
	for _, item := range snapshot {
		newByID[item.ID] = item
	}
	for _, id := range change.NewIDs {
		item, ok := newByID[id]
		if !ok {
			continue
		}
		for _, ch := range newItemSubs {
			select {
			case ch <- item:
			default:
			}
		}
	}

	return change
}

// Items returns the current published snapshot.
func (s *ItemStore) Items() []model.ScannedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ScannedItem(nil), s.items...)
}

// Get returns a single published item by id.
func (s *ItemStore) Get(id string) (model.ScannedItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ids[id]; !ok {
		return model.ScannedItem{}, false
	}
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return model.ScannedItem{}, false
}

// Subscribe returns a channel receiving each published snapshot. Slow
// subscribers skip intermediate snapshots.
func (s *ItemStore) Subscribe() <-chan []model.ScannedItem {
	ch := make(chan []model.ScannedItem, 1)
	s.mu.Lock()
	s.snapshotSubs = append(s.snapshotSubs, ch)
	s.mu.Unlock()
	return ch
}

// NewItemEvents returns a channel receiving each newly added item.
func (s *ItemStore) NewItemEvents() <-chan model.ScannedItem {
	ch := make(chan model.ScannedItem, 16)
	s.mu.Lock()
	s.newItemSubs = append(s.newItemSubs, ch)
	s.mu.Unlock()
	return ch
}

// Thumbnail returns the cached thumbnail bytes for a published item.
func (s *ItemStore) Thumbnail(key string) ([]byte, bool) {
	return s.thumbs.Get(key)
}

// Clear resets the published state and the thumbnail cache.
func (s *ItemStore) Clear() {
	s.mu.Lock()
	s.items = nil
	s.ids = make(map[string]struct{})
	s.mu.Unlock()
	s.thumbs.ClearAll()
}
