package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, cache.NewInMemoryStore[string, testValue]())
}

func TestInMemoryStore_InjectedClock(t *testing.T) {
	// Arrange
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := cache.NewInMemoryStoreWithClock[string, int](func() time.Time { return now })

	// Act
	_, _, err := s.Set(ctx, "k", 1)
	require.NoError(t, err)
	now = now.Add(5 * time.Second)

	// Assert
	age, ok, err := s.Age(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, age)
}
