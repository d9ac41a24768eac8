package repository

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querycache/pkg/lock"
	"github.com/illmade-knight/go-querycache/pkg/metrics"
	"github.com/illmade-knight/go-querycache/pkg/observable"
	"github.com/illmade-knight/go-querycache/pkg/strategy"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// ConstantConfig configures a Constant repository.
type ConstantConfig struct {
	Strategy strategy.Strategy
}

// Constant is a repository for queries that take no parameters. Overlapping
// calls for the same id are queued in arrival order rather than joined, so a
// later caller runs its strategy against whatever the earlier one stored.
type Constant[ID comparable, V any] struct {
	repo  *Repository[ID, struct{}, ID, V]
	locks *lock.KeyedMutex[ID]
}

// NewConstant creates a Constant repository. The store must publish every key
// under itself.
func NewConstant[ID comparable, V any](
	cfg ConstantConfig,
	fetch func(ctx context.Context, id ID) (V, error),
	store *observable.Store[ID, ID, V],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Constant[ID, V], error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch function cannot be nil")
	}
	repo, err := NewRepository(Config[ID, struct{}, ID, V]{
		Key:      func(id ID, _ struct{}) ID { return id },
		Strategy: cfg.Strategy,
	}, func(ctx context.Context, id ID, _ struct{}) (V, error) {
		return fetch(ctx, id)
	}, store, m, logger)
	if err != nil {
		return nil, err
	}
	return &Constant[ID, V]{repo: repo, locks: lock.NewKeyedMutex[ID]()}, nil
}

// Get waits behind every earlier Get for id, then behaves as Repository.Get.
func (c *Constant[ID, V]) Get(ctx context.Context, id ID, opts ...Option) (V, error) {
	if err := c.locks.Lock(ctx, id); err != nil {
		var zero V
		return zero, err
	}
	defer c.locks.Unlock(id)
	return c.repo.Get(ctx, id, struct{}{}, opts...)
}

// Publish writes value for id directly.
func (c *Constant[ID, V]) Publish(ctx context.Context, id ID, value V) error {
	return c.repo.Publish(ctx, id, struct{}{}, value)
}

// Subscribe follows every value and failure published for id.
func (c *Constant[ID, V]) Subscribe(ctx context.Context, id ID) (*stream.Subscription[observable.Result[ID, V]], error) {
	return c.repo.Subscribe(ctx, id)
}

// Close cancels every in-flight fetch.
func (c *Constant[ID, V]) Close() {
	c.repo.Close()
}
