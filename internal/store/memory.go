package store

import (
	"context"
	"sync"

	"github.com/scanium/scan-engine/internal/model"
)

// MemoryStore is an in-process Store used in tests and for running the
// engine without a database.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]model.ScannedItem
	order []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{items: make(map[string]model.ScannedItem)}
}

func (m *MemoryStore) LoadAll(_ context.Context) ([]model.ScannedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ScannedItem, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.items[id])
	}
	return out, nil
}

func (m *MemoryStore) UpsertAll(_ context.Context, items []model.ScannedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if _, ok := m.items[item.ID]; !ok {
			m.order = append(m.order, item.ID)
		}
		m.items[item.ID] = item
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.items[id]; !ok {
			continue
		}
		delete(m.items, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]model.ScannedItem)
	m.order = nil
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
