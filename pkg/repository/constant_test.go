package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/illmade-knight/go-querycache/pkg/observable"
	"github.com/illmade-knight/go-querycache/pkg/repository"
	"github.com/illmade-knight/go-querycache/pkg/strategy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConstant(t *testing.T, fetch func(ctx context.Context, id string) (int, error)) *repository.Constant[string, int] {
	t.Helper()
	store, err := observable.NewStore[string, string, int](observable.Config[string, string, int]{
		PublishKey: func(k string) string { return k },
	}, cache.NewInMemoryStore[string, int](), nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	c, err := repository.NewConstant(repository.ConstantConfig{Strategy: strategy.IfNotStored()}, fetch, store, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestConstant_OverlappingCallsAreSerialized(t *testing.T) {
	// Arrange
	ctx := context.Background()
	var calls, running, maxRunning atomic.Int32
	c := newConstant(t, func(ctx context.Context, id string) (int, error) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		return int(calls.Add(1)), nil
	})

	// Act
	var wg sync.WaitGroup
	values := make([]int, 5)
	for i := range values {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, "settings")
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(1), calls.Load(), "later callers find the cached value")
	assert.Equal(t, int32(1), maxRunning.Load())
	for _, v := range values {
		assert.Equal(t, 1, v)
	}
}

func TestConstant_PublishAndSubscribe(t *testing.T) {
	ctx := context.Background()
	c := newConstant(t, func(ctx context.Context, id string) (int, error) { return 0, nil })
	require.NoError(t, c.Publish(ctx, "settings", 42))

	sub, err := c.Subscribe(ctx, "settings")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 42, next(t, sub).Value)
	v, err := c.Get(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestConstant_GetHonoursContextWhileQueued(t *testing.T) {
	release := make(chan struct{})
	c := newConstant(t, func(ctx context.Context, id string) (int, error) {
		<-release
		return 1, nil
	})
	go func() { _, _ = c.Get(context.Background(), "settings") }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "settings")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
