// Package loading turns fetch lifecycle signals into a single loading /
// loaded / empty state stream for a presentation layer.
package loading

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/illmade-knight/go-querycache/pkg/delay"
	"github.com/illmade-knight/go-querycache/pkg/observable"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// Phase is the kind of a State.
type Phase int

const (
	// Loading means no data is held and a fetch is expected or running.
	Loading Phase = iota
	// Loaded means data is held.
	Loaded
	// Empty means the last fetch produced no content or failed without data.
	Empty
)

func (p Phase) String() string {
	switch p {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Empty:
		return "empty"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is one emitted loading state. Hidden is only meaningful while
// Loading; Data and Updating only while Loaded; Err while Loaded or Empty.
type State[V any] struct {
	Phase    Phase
	Hidden   bool
	Data     V
	Err      error
	Updating bool
}

func (s State[V]) String() string {
	switch s.Phase {
	case Loading:
		return fmt.Sprintf("loading(hidden: %t)", s.Hidden)
	case Loaded:
		return fmt.Sprintf("loaded(err: %v, updating: %t)", s.Err, s.Updating)
	default:
		return fmt.Sprintf("%s(err: %v)", s.Phase, s.Err)
	}
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b || a.Error() == b.Error()
}

func (s State[V]) equal(o State[V]) bool {
	return s.Phase == o.Phase &&
		s.Hidden == o.Hidden &&
		s.Updating == o.Updating &&
		sameError(s.Err, o.Err) &&
		reflect.DeepEqual(s.Data, o.Data)
}

// Result is a fetch outcome fed into the controller. Cached marks a value
// re-announced from the cache; it never ends a running fetch.
type Result[V any] struct {
	Value  V
	Err    error
	Cached bool
}

// Config configures a Controller.
type Config[V any] struct {
	Delay   delay.Config
	IsEmpty func(V) bool
	// LoadedErrorsBecomeEmpty drops held data when a later fetch fails.
	LoadedErrorsBecomeEmpty bool
	// Cancel is called by Reset to abandon the in-flight fetch. Optional.
	Cancel func()
}

// Controller is the loading state machine. It is safe for concurrent use.
type Controller[V any] struct {
	cfg    Config[V]
	delay  *delay.Controller
	logger zerolog.Logger

	mu       sync.Mutex
	state    State[V]
	fetching bool
	states   *stream.Broadcaster[State[V]]

	exceeded *stream.Subscription[bool]
	wg       sync.WaitGroup
}

// NewController creates a controller in loading(hidden: delay > 0).
func NewController[V any](cfg Config[V], logger zerolog.Logger) (*Controller[V], error) {
	if cfg.IsEmpty == nil {
		return nil, fmt.Errorf("emptiness predicate cannot be nil")
	}
	d, err := delay.NewController(cfg.Delay, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create delay controller: %w", err)
	}
	c := &Controller[V]{
		cfg:      cfg,
		delay:    d,
		logger:   logger.With().Str("component", "LoadingController").Logger(),
		state:    State[V]{Phase: Loading, Hidden: cfg.Delay.Delay > 0},
		states:   stream.NewBroadcaster[State[V]](),
		exceeded: d.Exceeded(),
	}
	c.wg.Add(1)
	go c.watchDelay()
	return c, nil
}

// State returns the current state.
func (c *Controller[V]) State() State[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States subscribes to state changes. The current state is delivered first.
func (c *Controller[V]) States() *stream.Subscription[State[V]] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states.SubscribeWith(c.state)
}

// WillFetch signals that a fetch is starting. Without data the controller
// shows loading, hidden until the delay is exceeded; with data it stays loaded
// and flags updating once the delay is exceeded.
func (c *Controller[V]) WillFetch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetching {
		return
	}
	c.fetching = true
	c.delay.Start()
	visible := c.delay.Running()

	next := c.state
	switch c.state.Phase {
	case Loaded:
		next.Err = nil
		next.Updating = visible
	default:
		next = State[V]{Phase: Loading, Hidden: !visible}
	}
	c.transitionLocked(next)
}

// Receive applies a fetch result. If the loading indicator is visible, Receive
// first waits out its minimum duration. A cached result received while a fetch
// is running only supplies data to show; the fetch cycle continues.
func (c *Controller[V]) Receive(ctx context.Context, r Result[V]) error {
	if r.Cached {
		c.receiveCached(r)
		return nil
	}
	if err := c.delay.Stop(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false
	c.applyLocked(r)
	return nil
}

func (c *Controller[V]) receiveCached(r Result[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetching {
		c.applyLocked(r)
		return
	}
	if r.Err != nil || c.cfg.IsEmpty(r.Value) {
		return
	}
	next := c.state
	switch c.state.Phase {
	case Loading:
		next = State[V]{Phase: Loaded, Data: r.Value, Updating: !c.state.Hidden}
	case Loaded:
		next.Data = r.Value
	default:
		return
	}
	c.transitionLocked(next)
}

func (c *Controller[V]) applyLocked(r Result[V]) {
	var next State[V]
	switch {
	case r.Err == nil && c.cfg.IsEmpty(r.Value):
		next = State[V]{Phase: Empty}
	case r.Err == nil:
		next = State[V]{Phase: Loaded, Data: r.Value}
	case c.state.Phase == Loaded && !c.cfg.LoadedErrorsBecomeEmpty:
		next = State[V]{Phase: Loaded, Data: c.state.Data, Err: r.Err}
	default:
		next = State[V]{Phase: Empty, Err: r.Err}
	}

	if next.Err != nil && next.equal(c.state) {
		// Re-emit the same error as two distinct states so the retry is
		// observable.
		cleared := next
		cleared.Err = nil
		c.transitionLocked(cleared)
	}
	c.transitionLocked(next)
}

// Run feeds results into the controller until the channel closes or ctx ends.
func (c *Controller[V]) Run(ctx context.Context, results <-chan Result[V]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return nil
			}
			if err := c.Receive(ctx, r); err != nil {
				return err
			}
		}
	}
}

// Follow feeds an observable store subscription into c until it closes or
// ctx ends.
func Follow[K comparable, V any](ctx context.Context, c *Controller[V], results <-chan observable.Result[K, V]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return nil
			}
			if err := c.Receive(ctx, Result[V]{Value: r.Value, Err: r.Err, Cached: r.Cached}); err != nil {
				return err
			}
		}
	}
}

// Reset cancels the in-flight fetch and restarts the cycle from
// loading(hidden: delay > 0). The next result received ends it.
func (c *Controller[V]) Reset() {
	if c.cfg.Cancel != nil {
		c.cfg.Cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = true
	c.delay.Reset()
	next := State[V]{Phase: Loading, Hidden: c.cfg.Delay.Delay > 0}
	c.logger.Debug().Stringer("from", c.state).Msg("Loading state reset.")
	c.state = next
	c.states.Publish(next)
}

// Close stops the delay controller and closes the state stream.
func (c *Controller[V]) Close() {
	c.delay.Close()
	c.exceeded.Close()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states.Close()
}

func (c *Controller[V]) watchDelay() {
	defer c.wg.Done()
	for visible := range c.exceeded.C() {
		if !visible {
			continue
		}
		c.mu.Lock()
		if c.fetching && c.delay.Running() {
			next := c.state
			switch next.Phase {
			case Loading:
				next.Hidden = false
			case Loaded:
				next.Updating = true
			}
			c.transitionLocked(next)
		}
		c.mu.Unlock()
	}
}

// transitionLocked moves to next and publishes it if it differs from the
// current state. Loaded never goes back to loading except through Reset.
func (c *Controller[V]) transitionLocked(next State[V]) {
	if c.state.Phase == Loaded && next.Phase == Loading {
		c.logger.Panic().Stringer("from", c.state).Stringer("to", next).Msg("Illegal loading state transition.")
	}
	if next.equal(c.state) {
		return
	}
	c.logger.Debug().Stringer("from", c.state).Stringer("to", next).Msg("Loading state changed.")
	c.state = next
	c.states.Publish(next)
}
