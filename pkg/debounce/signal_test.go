package debounce_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/debounce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_LastValueWins(t *testing.T) {
	// Arrange
	ctx := context.Background()
	s := debounce.NewSignal[int](50 * time.Millisecond)
	results := make([]bool, 3)
	var wg sync.WaitGroup

	// Act: three signals inside one window.
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.Wait(ctx, i)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, []bool{false, false, true}, results)
}

func TestSignal_SpacedValuesAllResolve(t *testing.T) {
	ctx := context.Background()
	s := debounce.NewSignal[string](10 * time.Millisecond)

	first, err := s.Wait(ctx, "a")
	require.NoError(t, err)
	second, err := s.Wait(ctx, "b")
	require.NoError(t, err)

	assert.True(t, first)
	assert.True(t, second)
}

func TestSignal_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := debounce.NewSignal[int](time.Second)
	cancel()

	ok, err := s.Wait(ctx, 1)

	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignal_ZeroDelay(t *testing.T) {
	s := debounce.NewSignal[int](0)
	ok, err := s.Wait(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
