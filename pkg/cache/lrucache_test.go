package cache_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUStore_Contract(t *testing.T) {
	s, err := cache.NewLRUStore(cache.LRUConfig[string, testValue]{MaxSize: 10})
	require.NoError(t, err)
	runStoreContract(t, s)
}

func TestLRUStore_Eviction(t *testing.T) {
	ctx := context.Background()

	t.Run("Eviction policy works correctly", func(t *testing.T) {
		// Arrange: a store with a max size of 2.
		var evicted []string
		lru, err := cache.NewLRUStore(cache.LRUConfig[string, int]{
			MaxSize: 2,
			OnEvict: func(key string, _ int) { evicted = append(evicted, key) },
		})
		require.NoError(t, err)

		// Act 1: Fill the store.
		_, _, _ = lru.Set(ctx, "key1", 1)
		_, _, _ = lru.Set(ctx, "key2", 2)

		// Act 2: Access key1 again. This makes key1 the most recently used.
		_, ok, _ := lru.Get(ctx, "key1")
		assert.True(t, ok)

		// Act 3: Add key3. This should evict key2 (the least recently used).
		_, _, _ = lru.Set(ctx, "key3", 3)

		// Assert
		_, ok, _ = lru.Get(ctx, "key2")
		assert.False(t, ok, "key2 should have been evicted")
		v, ok, _ := lru.Get(ctx, "key1")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		assert.Equal(t, []string{"key2"}, evicted)

		keys, err := lru.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"key1", "key3"}, keys, "the read of key1 made it most recent")
	})

	t.Run("Invalid size", func(t *testing.T) {
		_, err := cache.NewLRUStore(cache.LRUConfig[string, int]{MaxSize: 0})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maxSize must be greater than 0")
	})
}
