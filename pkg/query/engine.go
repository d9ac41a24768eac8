// Package query de-duplicates and cancels asynchronous fetches keyed by an
// identifier, fanning a single result out to every caller waiting on it.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/metrics"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// ErrCancelled is returned to callers whose fetch was superseded by a request
// with different parameters or cancelled explicitly.
var ErrCancelled = errors.New("query cancelled")

// Fetcher performs the expensive operation for an identifier. The context is
// cancelled when the fetch is superseded or cancelled.
type Fetcher[ID comparable, P comparable, V any] func(ctx context.Context, id ID, params P) (V, error)

// Settler runs once for every fetch that completes while still current, before
// its waiters resume and before the result is published. A non-nil return
// replaces the error waiters receive; a nil return never turns a failed fetch
// into a success.
type Settler[ID comparable, P comparable, V any] func(ctx context.Context, id ID, params P, value V, err error) error

// Result is one completed (non-cancelled) fetch.
type Result[ID comparable, P comparable, V any] struct {
	ID     ID
	Params P
	Value  V
	Err    error
}

type outcome[V any] struct {
	value V
	err   error
}

// request is the in-flight record for one identifier. Every waiter channel is
// buffered so that resolving never blocks.
type request[P comparable, V any] struct {
	params     P
	cancel     context.CancelFunc
	started    time.Time
	waiters    map[uint64]chan outcome[V]
	nextWaiter uint64
}

func (r *request[P, V]) addWaiter() (uint64, chan outcome[V]) {
	r.nextWaiter++
	ch := make(chan outcome[V], 1)
	r.waiters[r.nextWaiter] = ch
	return r.nextWaiter, ch
}

func (r *request[P, V]) resolve(out outcome[V]) {
	for id, ch := range r.waiters {
		ch <- out
		delete(r.waiters, id)
	}
}

// Engine coordinates fetches per identifier. It is safe for concurrent use.
type Engine[ID comparable, P comparable, V any] struct {
	fetch   Fetcher[ID, P, V]
	settle  Settler[ID, P, V]
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[ID]*request[P, V]
	latest   map[ID]P
	perID    map[ID]*stream.Broadcaster[Result[ID, P, V]]
	results  *stream.Broadcaster[Result[ID, P, V]]
	closed   bool
}

// NewEngine creates a query engine around fetch. m may be nil.
func NewEngine[ID comparable, P comparable, V any](
	fetch Fetcher[ID, P, V],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Engine[ID, P, V], error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	return &Engine[ID, P, V]{
		fetch:    fetch,
		metrics:  m,
		logger:   logger.With().Str("component", "QueryEngine").Logger(),
		inflight: make(map[ID]*request[P, V]),
		latest:   make(map[ID]P),
		perID:    make(map[ID]*stream.Broadcaster[Result[ID, P, V]]),
		results:  stream.NewBroadcaster[Result[ID, P, V]](),
	}, nil
}

// OnSettle installs fn as the engine's settler. It must be called before the
// first Get.
func (e *Engine[ID, P, V]) OnSettle(fn Settler[ID, P, V]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle = fn
}

// Get returns the result of fetching id with params. Concurrent calls with the
// same parameters share one fetch. A call with different parameters cancels the
// in-flight fetch, whose waiters receive ErrCancelled.
//
// If ctx ends first the caller stops waiting and gets ctx.Err(); the fetch is
// cancelled once no waiter remains.
func (e *Engine[ID, P, V]) Get(ctx context.Context, id ID, params P) (V, error) {
	var zero V

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return zero, fmt.Errorf("query engine is closed")
	}
	req, ok := e.inflight[id]
	if ok && req.params != params {
		e.logger.Debug().Str("id", fmt.Sprint(id)).Msg("Parameters changed, cancelling in-flight fetch.")
		e.cancelLocked(id, req)
		ok = false
	}
	if ok {
		e.metrics.Join()
		e.logger.Debug().Str("id", fmt.Sprint(id)).Msg("Joining in-flight fetch.")
	} else {
		req = e.startLocked(id, params)
	}
	waiterID, ch := req.addWaiter()
	e.mu.Unlock()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		e.mu.Lock()
		defer e.mu.Unlock()
		select {
		case out := <-ch:
			return out.value, out.err
		default:
		}
		delete(req.waiters, waiterID)
		if len(req.waiters) == 0 && e.inflight[id] == req {
			e.logger.Debug().Str("id", fmt.Sprint(id)).Msg("Last waiter left, cancelling fetch.")
			e.cancelLocked(id, req)
		}
		return zero, ctx.Err()
	}
}

// Cancel force-cancels the in-flight fetch for id, if any. It reports whether a
// fetch was cancelled.
func (e *Engine[ID, P, V]) Cancel(id ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.inflight[id]
	if !ok {
		return false
	}
	e.cancelLocked(id, req)
	return true
}

// LatestVariables returns the parameters of the most recent successful fetch
// for id.
func (e *Engine[ID, P, V]) LatestVariables(id ID) (P, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.latest[id]
	return p, ok
}

// InFlight returns the parameters of the fetch currently running for id.
func (e *Engine[ID, P, V]) InFlight(id ID) (P, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.inflight[id]
	if !ok {
		var zero P
		return zero, false
	}
	return req.params, true
}

// Results subscribes to every completed fetch. Cancelled fetches are never
// published.
func (e *Engine[ID, P, V]) Results() *stream.Subscription[Result[ID, P, V]] {
	return e.results.Subscribe()
}

// ResultsFor subscribes to the completed fetches of a single identifier.
func (e *Engine[ID, P, V]) ResultsFor(id ID) *stream.Subscription[Result[ID, P, V]] {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.perID[id]
	if !ok {
		b = stream.NewBroadcaster[Result[ID, P, V]]()
		if e.closed {
			b.Close()
		} else {
			e.perID[id] = b
		}
	}
	return b.Subscribe()
}

// Close cancels every in-flight fetch and closes all result streams.
func (e *Engine[ID, P, V]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, req := range e.inflight {
		e.cancelLocked(id, req)
	}
	for id, b := range e.perID {
		b.Close()
		delete(e.perID, id)
	}
	e.results.Close()
	e.logger.Info().Msg("Query engine closed.")
}

func (e *Engine[ID, P, V]) startLocked(id ID, params P) *request[P, V] {
	ctx, cancel := context.WithCancel(context.Background())
	req := &request[P, V]{
		params:  params,
		cancel:  cancel,
		started: time.Now(),
		waiters: make(map[uint64]chan outcome[V]),
	}
	e.inflight[id] = req
	e.metrics.Fetch(metrics.OutcomeStarted)
	e.logger.Debug().Str("id", fmt.Sprint(id)).Msg("Starting fetch.")
	go e.run(ctx, id, req)
	return req
}

// cancelLocked removes req from the in-flight table, so its eventual result is
// discarded by run, and resumes its waiters with ErrCancelled.
func (e *Engine[ID, P, V]) cancelLocked(id ID, req *request[P, V]) {
	delete(e.inflight, id)
	req.cancel()
	req.resolve(outcome[V]{err: ErrCancelled})
	e.metrics.Fetch(metrics.OutcomeCancelled)
}

func (e *Engine[ID, P, V]) run(ctx context.Context, id ID, req *request[P, V]) {
	value, err := e.fetch(ctx, id, req.params)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer req.cancel()

	if e.inflight[id] != req {
		e.logger.Debug().Str("id", fmt.Sprint(id)).Msg("Discarding result of cancelled fetch.")
		return
	}
	delete(e.inflight, id)

	if errors.Is(err, ErrCancelled) {
		req.resolve(outcome[V]{err: err})
		e.metrics.Fetch(metrics.OutcomeCancelled)
		return
	}

	if e.settle != nil {
		if settled := e.settle(ctx, id, req.params, value, err); settled != nil || err == nil {
			err = settled
		}
	}

	e.metrics.ObserveFetch(time.Since(req.started).Seconds())
	if err != nil {
		e.metrics.Fetch(metrics.OutcomeFailed)
		e.logger.Error().Err(err).Str("id", fmt.Sprint(id)).Msg("Fetch failed.")
	} else {
		e.metrics.Fetch(metrics.OutcomeSucceeded)
		e.latest[id] = req.params
	}

	req.resolve(outcome[V]{value: value, err: err})

	result := Result[ID, P, V]{ID: id, Params: req.params, Value: value, Err: err}
	e.results.Publish(result)
	if b, ok := e.perID[id]; ok {
		if b.Len() == 0 {
			delete(e.perID, id)
		} else {
			b.Publish(result)
		}
	}
}
