package cache

import (
	"container/list"
	"sync"
)

// DefaultCapacity bounds the thumbnail cache to roughly one scanning
// session's worth of items.
const DefaultCapacity = 256

// ThumbnailCache is a bounded LRU of thumbnail bytes keyed by item id. The
// state store rewrites raw thumbnail bytes into cache keys before
// publishing, so observers never hold image data. The cache is owned by
// whoever constructs it and lives for the process; ClearAll resets it when
// the item set is cleared.
type ThumbnailCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
}

type entry struct {
	key  string
	data []byte
}

// NewThumbnailCache creates a cache holding at most capacity thumbnails.
// A non-positive capacity falls back to DefaultCapacity.
func NewThumbnailCache(capacity int) *ThumbnailCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ThumbnailCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Put stores thumbnail bytes under key, evicting the least recently used
// entry if the cache is full.
func (c *ThumbnailCache) Put(key string, data []byte) {
	if key == "" || len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).data = data
		c.lru.MoveToFront(el)
		return
	}

	c.entries[key] = c.lru.PushFront(&entry{key: key, data: data})
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}

// Get returns the thumbnail for key and marks it recently used.
func (c *ThumbnailCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Remove drops a single entry.
func (c *ThumbnailCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.lru.Remove(el)
		delete(c.entries, key)
	}
}

// ClearAll drops every entry.
func (c *ThumbnailCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Len returns the number of cached thumbnails.
func (c *ThumbnailCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
