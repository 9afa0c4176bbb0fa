package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	c := NewThumbnailCache(4)
	c.Put("a", []byte("png-a"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("png-a"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestPut_IgnoresEmpty(t *testing.T) {
	t.Parallel()

	c := NewThumbnailCache(4)
	c.Put("", []byte("data"))
	c.Put("key", nil)
	assert.Zero(t, c.Len())
}

func TestPut_UpdatesExisting(t *testing.T) {
	t.Parallel()

	c := NewThumbnailCache(4)
	c.Put("a", []byte("v1"))
	c.Put("a", []byte("v2"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, 1, c.Len())
}

func TestEviction_LeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := NewThumbnailCache(3)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	// Touch "a" so "b" becomes the oldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", []byte("4"))

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "expected %q to survive", key)
	}
	assert.Equal(t, 3, c.Len())
}

func TestRemoveAndClearAll(t *testing.T) {
	t.Parallel()

	c := NewThumbnailCache(4)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Remove("a") // removing again is a no-op

	c.ClearAll()
	assert.Zero(t, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestDefaultCapacity(t *testing.T) {
	t.Parallel()

	c := NewThumbnailCache(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		c.Put(fmt.Sprintf("key-%d", i), []byte{byte(i)})
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}
