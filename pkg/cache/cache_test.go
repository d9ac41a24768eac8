package cache_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testValue struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, s cache.Store[string, testValue]) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Clear(ctx))

	t.Run("Get miss", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Age(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Set returns previous value", func(t *testing.T) {
		// Act
		_, existed, err := s.Set(ctx, "user:1", testValue{Name: "a", Count: 1})
		require.NoError(t, err)
		assert.False(t, existed)

		prev, existed, err := s.Set(ctx, "user:1", testValue{Name: "b", Count: 2})

		// Assert
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, testValue{Name: "a", Count: 1}, prev)

		got, ok, err := s.Get(ctx, "user:1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testValue{Name: "b", Count: 2}, got)
	})

	t.Run("Age is measured from the last write", func(t *testing.T) {
		_, _, err := s.Set(ctx, "aged", testValue{Name: "x"})
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)

		before, ok, err := s.Age(ctx, "aged")
		require.NoError(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, before, 20*time.Millisecond)

		_, _, err = s.Set(ctx, "aged", testValue{Name: "y"})
		require.NoError(t, err)
		after, ok, err := s.Age(ctx, "aged")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Less(t, after, before, "rewriting an entry resets its age")
	})

	t.Run("Keys, Delete and Clear", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		for _, k := range []string{"k1", "k2", "k3"} {
			_, _, err := s.Set(ctx, k, testValue{Name: k})
			require.NoError(t, err)
		}

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"k1", "k2", "k3"}, keys)

		prev, existed, err := s.Delete(ctx, "k2")
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, "k2", prev.Name)

		_, existed, err = s.Delete(ctx, "k2")
		require.NoError(t, err)
		assert.False(t, existed)

		require.NoError(t, s.Clear(ctx))
		keys, err = s.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestJSONKeyCodec_RoundTrip(t *testing.T) {
	type compositeKey struct {
		ID   string
		Page int
	}
	codec := cache.JSONKeyCodec[compositeKey]{}
	in := compositeKey{ID: "acct", Page: 3}

	encoded, err := codec.EncodeKey(in)
	require.NoError(t, err)
	out, err := codec.DecodeKey(encoded)
	require.NoError(t, err)

	assert.Equal(t, in, out)
	_, err = codec.DecodeKey("{not json")
	assert.Error(t, err)
}
