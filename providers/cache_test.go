package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mqlens-go/contracts"
)

func TestMessageCacheStoreAll(t *testing.T) {
	t.Run("stores clones keyed by queue and id", func(t *testing.T) {
		cache := NewMessageCache()
		m := contracts.NewMessage("m1", []byte("hello"), nil)
		cache.StoreAll("q1", []*contracts.Message{m})

		// Mutating the original must not reach the cache.
		m.Payload[0] = 'X'

		got := cache.Get("q1", "m1")
		require.NotNil(t, got)
		assert.Equal(t, []byte("hello"), got.Payload)
	})

	t.Run("overwrites stale entries with the same id", func(t *testing.T) {
		cache := NewMessageCache()
		cache.StoreAll("q1", []*contracts.Message{contracts.NewMessage("m1", []byte("old"), nil)})
		cache.StoreAll("q1", []*contracts.Message{contracts.NewMessage("m1", []byte("new"), nil)})

		got := cache.Get("q1", "m1")
		require.NotNil(t, got)
		assert.Equal(t, []byte("new"), got.Payload)
		assert.Equal(t, 1, cache.Len("q1"))
	})

	t.Run("skips messages without an id", func(t *testing.T) {
		cache := NewMessageCache()
		cache.StoreAll("q1", []*contracts.Message{contracts.NewMessage("", []byte("x"), nil)})
		assert.Equal(t, 0, cache.Len("q1"))
	})
}

func TestMessageCacheGet(t *testing.T) {
	cache := NewMessageCache()

	t.Run("missing queue returns nil", func(t *testing.T) {
		assert.Nil(t, cache.Get("nope", "m1"))
	})

	t.Run("returned value is an independent copy", func(t *testing.T) {
		cache.StoreAll("q1", []*contracts.Message{contracts.NewMessage("m1", []byte("hello"), nil)})

		first := cache.Get("q1", "m1")
		first.Payload[0] = 'X'

		second := cache.Get("q1", "m1")
		assert.Equal(t, []byte("hello"), second.Payload)
	})
}

func TestMessageCacheRemove(t *testing.T) {
	cache := NewMessageCache()
	cache.StoreAll("q1", []*contracts.Message{contracts.NewMessage("m1", []byte("x"), nil)})

	assert.True(t, cache.Remove("q1", "m1"))
	assert.False(t, cache.Remove("q1", "m1"), "second remove reports absence")
	assert.False(t, cache.Remove("other", "m1"))
	assert.Nil(t, cache.Get("q1", "m1"))
}

func TestMessageCacheInvalidateQueue(t *testing.T) {
	cache := NewMessageCache()
	cache.StoreAll("q1", []*contracts.Message{
		contracts.NewMessage("m1", []byte("a"), nil),
		contracts.NewMessage("m2", []byte("b"), nil),
	})
	cache.StoreAll("q2", []*contracts.Message{contracts.NewMessage("m3", []byte("c"), nil)})

	cache.InvalidateQueue("q1")

	assert.Equal(t, 0, cache.Len("q1"))
	assert.Equal(t, 1, cache.Len("q2"), "other queues are untouched")
}

func TestMessageCacheReset(t *testing.T) {
	cache := NewMessageCache()
	cache.StoreAll("q1", []*contracts.Message{contracts.NewMessage("m1", []byte("a"), nil)})
	cache.StoreAll("q2", []*contracts.Message{contracts.NewMessage("m2", []byte("b"), nil)})

	cache.Reset()

	assert.Equal(t, 0, cache.Len("q1"))
	assert.Equal(t, 0, cache.Len("q2"))
}
