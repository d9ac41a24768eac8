// Package repository composes the query engine, the observable store and the
// refresh strategy into a single get / prefetch / publish surface.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-querycache/pkg/intent"
	"github.com/illmade-knight/go-querycache/pkg/metrics"
	"github.com/illmade-knight/go-querycache/pkg/observable"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/illmade-knight/go-querycache/pkg/strategy"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/illmade-knight/go-querycache/pkg/repository"

// ErrNotCached is returned when the strategy skips the fetch and nothing is
// cached for the request.
var ErrNotCached = errors.New("no cached value")

// Config configures a Repository.
type Config[ID comparable, P comparable, K comparable, V any] struct {
	// Key builds the store key for a request. Required.
	Key func(id ID, params P) K
	// Strategy is used when a call does not override it.
	Strategy strategy.Strategy
	// KeyEncodesParams marks store keys that include the parameters.
	// Parameter drift is then detected by comparing resolved keys.
	KeyEncodesParams bool
	// ValueParams returns the parameters a fetched value was actually produced
	// with, when the server echoes them back. Optional.
	ValueParams func(value V) (P, bool)
	// IsContinuation reports whether params request a further page. Optional.
	IsContinuation func(params P) bool
}

type options struct {
	strategy  *strategy.Strategy
	intent    intent.Intent
	willFetch func()
}

// Option adjusts a single Get or Prefetch call.
type Option func(*options)

// WithStrategy overrides the repository's default strategy.
func WithStrategy(s strategy.Strategy) Option {
	return func(o *options) { o.strategy = &s }
}

// WithIntent sets the intent failures are tagged with.
func WithIntent(in intent.Intent) Option {
	return func(o *options) { o.intent = in }
}

// WithWillFetch registers fn to be called synchronously right before a fetch
// starts. It is not called when the strategy skips the fetch.
func WithWillFetch(fn func()) Option {
	return func(o *options) { o.willFetch = fn }
}

// Repository serves values for (id, params) requests from the cache or the
// fetcher, publishing every result through the observable store under the id.
type Repository[ID comparable, P comparable, K comparable, V any] struct {
	cfg     Config[ID, P, K, V]
	engine  *query.Engine[ID, P, V]
	store   *observable.Store[K, ID, V]
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger

	mu      sync.Mutex
	intents map[ID]pendingIntent[P]
}

type pendingIntent[P comparable] struct {
	params P
	intent intent.Intent
}

// NewRepository creates a repository over store. The store's publish key
// function must map every key built by cfg.Key back to its id.
func NewRepository[ID comparable, P comparable, K comparable, V any](
	cfg Config[ID, P, K, V],
	fetch query.Fetcher[ID, P, V],
	store *observable.Store[K, ID, V],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Repository[ID, P, K, V], error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("key function cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	engine, err := query.NewEngine(fetch, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create query engine: %w", err)
	}
	r := &Repository[ID, P, K, V]{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With().Str("component", "Repository").Logger(),
		intents: make(map[ID]pendingIntent[P]),
	}
	engine.OnSettle(r.settle)
	return r, nil
}

// Get returns the value for (id, params). The request's key becomes the
// current key for id first, so subscribers see any cached value for the new
// parameters at once. The strategy then decides whether to fetch; if it
// skips, a fetch still running for other parameters is cancelled.
//
// Failures are published to id's subscribers and returned tagged with the
// call's intent (Indispensable unless overridden). Cancellations are only
// returned.
func (r *Repository[ID, P, K, V]) Get(ctx context.Context, id ID, params P, opts ...Option) (V, error) {
	o := options{intent: intent.Indispensable}
	for _, opt := range opts {
		opt(&o)
	}
	return r.get(ctx, id, params, o)
}

// Prefetch is Get with no will-fetch hook and a dispensable intent by default.
func (r *Repository[ID, P, K, V]) Prefetch(ctx context.Context, id ID, params P, opts ...Option) (V, error) {
	o := options{intent: intent.Dispensable}
	for _, opt := range opts {
		opt(&o)
	}
	o.willFetch = nil
	return r.get(ctx, id, params, o)
}

func (r *Repository[ID, P, K, V]) get(ctx context.Context, id ID, params P, o options) (V, error) {
	ctx, span := r.tracer.Start(ctx, "repository.Get", trace.WithAttributes(
		attribute.String("query.id", fmt.Sprint(id)),
		attribute.String("query.intent", o.intent.String()),
	))
	defer span.End()

	value, err := r.resolve(ctx, span, id, params, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

func (r *Repository[ID, P, K, V]) resolve(ctx context.Context, span trace.Span, id ID, params P, o options) (V, error) {
	var zero V
	key := r.store.Resolve(r.cfg.Key(id, params))
	age, stored, err := r.store.Age(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("failed to read cache age: %w", err)
	}
	inFlight, running := r.engine.InFlight(id)
	s := r.cfg.Strategy
	if o.strategy != nil {
		s = *o.strategy
	}
	d := strategy.Decide(strategy.Input{
		Strategy:        s,
		Stored:          stored,
		Age:             age,
		ParamsChanged:   r.paramsChanged(id, params, key),
		Continuation:    r.cfg.IsContinuation != nil && r.cfg.IsContinuation(params),
		InFlightDiffers: running && inFlight != params,
	})
	span.SetAttributes(
		attribute.String("query.strategy", s.String()),
		attribute.Bool("query.fetch", d.Fetch),
	)

	if !d.Fetch {
		if err := r.selectKey(ctx, key); err != nil {
			return zero, err
		}
		if d.CancelStale && r.engine.Cancel(id) {
			r.logger.Debug().Str("id", fmt.Sprint(id)).Msg("Cancelled stale fetch after cache hit.")
		}
		r.metrics.Skip()
		value, ok, err := r.store.Get(ctx, key)
		if err != nil {
			return zero, fmt.Errorf("failed to read cached value: %w", err)
		}
		if !ok {
			return zero, ErrNotCached
		}
		return value, nil
	}

	// willFetch must run before the cached value is republished.
	if o.willFetch != nil {
		o.willFetch()
	}
	if err := r.selectKey(ctx, key); err != nil {
		return zero, err
	}
	r.noteIntent(id, params, o.intent)
	value, err := r.engine.Get(ctx, id, params)
	if err != nil {
		if errors.Is(err, query.ErrCancelled) || ctx.Err() != nil {
			r.dropIntent(id, params)
			return zero, err
		}
		return zero, intent.Wrap(err, o.intent)
	}
	return value, nil
}

func (r *Repository[ID, P, K, V]) selectKey(ctx context.Context, key K) error {
	if _, err := r.store.SetCurrentKey(ctx, key); err != nil {
		return fmt.Errorf("failed to set current key: %w", err)
	}
	return nil
}

func (r *Repository[ID, P, K, V]) paramsChanged(id ID, params P, key K) bool {
	latest, ok := r.engine.LatestVariables(id)
	if !ok {
		return false
	}
	if r.cfg.KeyEncodesParams {
		return r.store.Resolve(r.cfg.Key(id, latest)) != key
	}
	return latest != params
}

// settle runs once per completed fetch, while it is still current. Successes
// are written to the store, under the canonical key if the value reports the
// parameters it was produced with. Failures are published to id's subscribers
// with the strongest intent any waiting caller asked for.
func (r *Repository[ID, P, K, V]) settle(ctx context.Context, id ID, params P, value V, err error) error {
	in := r.takeIntent(id, params)
	if err != nil {
		r.store.PublishFailure(id, intent.Wrap(err, in))
		return nil
	}

	key := r.store.Resolve(r.cfg.Key(id, params))
	if r.cfg.ValueParams != nil {
		if actual, ok := r.cfg.ValueParams(value); ok && actual != params {
			canonical := r.cfg.Key(id, actual)
			r.store.AddAlias(key, canonical)
			key = r.store.Resolve(canonical)
		}
	}
	if err := r.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to store fetched value: %w", err)
	}
	return nil
}

// noteIntent records in for the fetch of (id, params). Callers joining the same
// fetch keep the strongest intent; a fetch for other parameters starts afresh.
func (r *Repository[ID, P, K, V]) noteIntent(id ID, params P, in intent.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.intents[id]; !ok || cur.params != params || in > cur.intent {
		r.intents[id] = pendingIntent[P]{params: params, intent: in}
	}
}

func (r *Repository[ID, P, K, V]) takeIntent(id ID, params P) intent.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.intents[id]
	if !ok || cur.params != params {
		return intent.Dispensable
	}
	delete(r.intents, id)
	return cur.intent
}

// dropIntent forgets the intent of a fetch that ended without settling, unless
// a fetch for the same parameters is still running.
func (r *Repository[ID, P, K, V]) dropIntent(id ID, params P) {
	if running, ok := r.engine.InFlight(id); ok && running == params {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.intents[id]; ok && cur.params == params {
		delete(r.intents, id)
	}
}

// Publish writes value for (id, params) directly, as if it had been fetched.
func (r *Repository[ID, P, K, V]) Publish(ctx context.Context, id ID, params P, value V) error {
	return r.store.Set(ctx, r.cfg.Key(id, params), value)
}

// Subscribe follows every value and failure published for id, starting with
// the value at id's current key.
func (r *Repository[ID, P, K, V]) Subscribe(ctx context.Context, id ID) (*stream.Subscription[observable.Result[K, V]], error) {
	return r.store.Subscribe(ctx, id)
}

// Cancel cancels the fetch running for id, if any.
func (r *Repository[ID, P, K, V]) Cancel(id ID) bool {
	r.mu.Lock()
	delete(r.intents, id)
	r.mu.Unlock()
	return r.engine.Cancel(id)
}

// LatestVariables returns the parameters of id's last successful fetch.
func (r *Repository[ID, P, K, V]) LatestVariables(id ID) (P, bool) {
	return r.engine.LatestVariables(id)
}

// Store returns the underlying observable store.
func (r *Repository[ID, P, K, V]) Store() *observable.Store[K, ID, V] {
	return r.store
}

// Close cancels every in-flight fetch. The store is left open.
func (r *Repository[ID, P, K, V]) Close() {
	r.engine.Close()
}
