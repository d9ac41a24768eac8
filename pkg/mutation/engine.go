// Package mutation applies optimistic local writes, debounces the matching
// remote writes and rolls back to the last known-good value when they fail.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/debounce"
	"github.com/illmade-knight/go-querycache/pkg/intent"
	"github.com/illmade-knight/go-querycache/pkg/metrics"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// Store is the slice of a store the engine reads and writes. observable.Store
// satisfies it.
type Store[ID comparable, V any] interface {
	Get(ctx context.Context, id ID) (V, bool, error)
	Set(ctx context.Context, id ID, value V) error
}

// LocalMutation derives the optimistic value from the current one.
type LocalMutation[P any, V any] func(current V, params P) V

// RemoteMutation performs the authoritative write and returns the value the
// remote side settled on.
type RemoteMutation[ID comparable, P any, V any] func(ctx context.Context, id ID, params P, optimistic V) (V, error)

// Config configures an Engine.
type Config struct {
	// Debounce is the window within which only the last call reaches the
	// remote side.
	Debounce time.Duration
	// Intent tags remote failures returned to callers.
	Intent intent.Intent
}

// Result is one resolved remote mutation.
type Result[ID comparable, P any, V any] struct {
	ID     ID
	Params P
	Token  uint64
	Value  V
	Err    error
	// Superseded is set when a newer mutation for the same id was issued
	// before this one resolved.
	Superseded bool
}

// collateral exists for an id while an optimistic write is unconfirmed or an
// older remote call is still outstanding.
type collateral[V any] struct {
	token       uint64
	resolved    bool
	fallback    V
	outstanding int
	signal      *debounce.Signal[uint64]
}

// Engine coordinates optimistic mutations per id. It is safe for concurrent
// use.
type Engine[ID comparable, P any, V any] struct {
	cfg     Config
	store   Store[ID, V]
	local   LocalMutation[P, V]
	remote  RemoteMutation[ID, P, V]
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	nextToken  uint64
	collateral map[ID]*collateral[V]
	results    map[ID]*stream.Broadcaster[Result[ID, P, V]]
	closed     bool
}

// NewEngine creates a mutation engine. m may be nil.
func NewEngine[ID comparable, P any, V any](
	cfg Config,
	store Store[ID, V],
	local LocalMutation[P, V],
	remote RemoteMutation[ID, P, V],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Engine[ID, P, V], error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if local == nil || remote == nil {
		return nil, fmt.Errorf("local and remote mutations are required")
	}
	return &Engine[ID, P, V]{
		cfg:        cfg,
		store:      store,
		local:      local,
		remote:     remote,
		metrics:    m,
		logger:     logger.With().Str("component", "MutationEngine").Logger(),
		collateral: make(map[ID]*collateral[V]),
		results:    make(map[ID]*stream.Broadcaster[Result[ID, P, V]]),
	}, nil
}

// Mutate writes the optimistic value for id at once and, unless a newer call
// for id arrives within the debounce window, performs the remote mutation.
// A call superseded inside the window returns nil without reaching the remote
// side. Remote failures are returned tagged with the configured intent.
//
// Mutating an id the store holds no value for is a programming error and
// panics.
func (e *Engine[ID, P, V]) Mutate(ctx context.Context, id ID, params P) error {
	token, optimistic, signal, err := e.begin(ctx, id, params)
	if err != nil {
		return err
	}

	latest, err := signal.Wait(ctx, token)
	if err != nil {
		if settleErr := e.settle(context.WithoutCancel(ctx), id, params, token, optimistic, err); settleErr != nil {
			e.logger.Error().Err(settleErr).Str("id", fmt.Sprint(id)).Msg("Rollback after abandoned mutation failed.")
			return errors.Join(err, settleErr)
		}
		return err
	}
	if !latest {
		e.release(id)
		e.metrics.Mutation(metrics.MutationCoalesced)
		e.logger.Debug().Str("id", fmt.Sprint(id)).Uint64("token", token).Msg("Mutation coalesced into a newer one.")
		return nil
	}

	value, remoteErr := e.remote(ctx, id, params, optimistic)
	if err := e.settle(context.WithoutCancel(ctx), id, params, token, value, remoteErr); err != nil {
		return err
	}
	return intent.Wrap(remoteErr, e.cfg.Intent)
}

// Pending reports whether id has an unconfirmed optimistic write.
func (e *Engine[ID, P, V]) Pending(id ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	col, ok := e.collateral[id]
	return ok && !col.resolved
}

// Results subscribes to the resolutions of id's remote mutations.
func (e *Engine[ID, P, V]) Results(id ID) *stream.Subscription[Result[ID, P, V]] {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.results[id]
	if !ok {
		b = stream.NewBroadcaster[Result[ID, P, V]]()
		if e.closed {
			b.Close()
		} else {
			e.results[id] = b
		}
	}
	return b.Subscribe()
}

// Close closes every result stream.
func (e *Engine[ID, P, V]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, b := range e.results {
		b.Close()
		delete(e.results, id)
	}
}

func (e *Engine[ID, P, V]) begin(ctx context.Context, id ID, params P) (uint64, V, *debounce.Signal[uint64], error) {
	var zero V
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, zero, nil, fmt.Errorf("failed to read current value for '%v': %w", id, err)
	}
	if !ok {
		e.logger.Panic().Str("id", fmt.Sprint(id)).Msg("Mutation requested before any value exists.")
	}

	col, exists := e.collateral[id]
	if !exists {
		col = &collateral[V]{
			fallback: current,
			signal:   debounce.NewSignal[uint64](e.cfg.Debounce),
		}
	}
	optimistic := e.local(current, params)
	if err := e.store.Set(ctx, id, optimistic); err != nil {
		return 0, zero, nil, fmt.Errorf("failed to write optimistic value for '%v': %w", id, err)
	}

	e.nextToken++
	col.token = e.nextToken
	col.resolved = false
	col.outstanding++
	e.collateral[id] = col
	e.logger.Debug().Str("id", fmt.Sprint(id)).Uint64("token", col.token).Msg("Optimistic value written.")
	return col.token, optimistic, col.signal, nil
}

// release drops a coalesced call's hold on the collateral.
func (e *Engine[ID, P, V]) release(id ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	col, ok := e.collateral[id]
	if !ok {
		e.logger.Panic().Str("id", fmt.Sprint(id)).Msg("Coalesced mutation without collateral.")
	}
	col.outstanding--
	if col.outstanding == 0 && col.resolved {
		delete(e.collateral, id)
	}
}

// settle resolves the remote mutation issued under token. Only the latest
// token may commit or roll back; an older success becomes the new fallback
// while the latest is still unresolved.
func (e *Engine[ID, P, V]) settle(ctx context.Context, id ID, params P, token uint64, value V, remoteErr error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	col, ok := e.collateral[id]
	if !ok {
		e.logger.Panic().Str("id", fmt.Sprint(id)).Uint64("token", token).Msg("Mutation resolved without collateral.")
	}
	col.outstanding--
	latest := !col.resolved && col.token == token
	res := Result[ID, P, V]{ID: id, Params: params, Token: token, Value: value, Err: remoteErr, Superseded: !latest}

	var storeErr error
	switch {
	case remoteErr == nil && latest:
		col.resolved = true
		col.fallback = value
		storeErr = e.store.Set(ctx, id, value)
		e.metrics.Mutation(metrics.MutationCommitted)
	case remoteErr == nil:
		if !col.resolved {
			col.fallback = value
		}
		e.metrics.Mutation(metrics.MutationSuperseded)
	case latest:
		col.resolved = true
		storeErr = e.store.Set(ctx, id, col.fallback)
		res.Value = col.fallback
		e.metrics.Mutation(metrics.MutationRolledBack)
		e.logger.Warn().Err(remoteErr).Str("id", fmt.Sprint(id)).Msg("Remote mutation failed, rolled back.")
	default:
		e.metrics.Mutation(metrics.MutationSuperseded)
		e.logger.Debug().Err(remoteErr).Str("id", fmt.Sprint(id)).Msg("Superseded mutation failed, newer mutation owns the fallback.")
	}
	if col.outstanding == 0 && col.resolved {
		delete(e.collateral, id)
	}

	if b, ok := e.results[id]; ok {
		b.Publish(res)
	}
	if storeErr != nil {
		return fmt.Errorf("failed to settle mutation for '%v': %w", id, storeErr)
	}
	return nil
}
