// Package observable layers key mapping, key aliasing, publish-key routing and
// change events on top of a cache.Store.
package observable

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/illmade-knight/go-querycache/pkg/metrics"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// maxAliasHops bounds alias resolution so a cyclic alias table cannot spin.
const maxAliasHops = 8

// EventKind is the kind of change a write made to an entry.
type EventKind int

const (
	// Add means the key had no entry before the write.
	Add EventKind = iota
	// Update means an existing entry was replaced.
	Update
	// Delete means an entry was removed.
	Delete
)

func (k EventKind) String() string {
	switch k {
	case Add:
		return "add"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event describes one change to the store. Previous is only set for Update.
type Event[K comparable, PK comparable, V any] struct {
	Kind       EventKind
	Key        K
	PublishKey PK
	Value      V
	Previous   V
	At         time.Time
}

// Result is what subscribers of a publish key receive: either the value now
// current for that publish key, or a failure reported for it. Cached marks a
// value re-announced from the cache (on subscribe or when the current key is
// selected) rather than one just written.
type Result[K comparable, V any] struct {
	Key    K
	Value  V
	Err    error
	Cached bool
}

// Config configures a Store.
type Config[K comparable, PK comparable, V any] struct {
	// PublishKey routes a store key to the publish key its events go to. Required.
	PublishKey func(key K) PK
	// MapKey normalizes every key entering through a public method. Optional.
	MapKey func(key K) K
	// Equal decides whether a bulk mutation changed the current value.
	// Defaults to reflect.DeepEqual.
	Equal func(a, b V) bool
}

// Store is an observable keyed cache. All state is owned by the Store and
// guarded by its mutex; subscribers only ever see values.
type Store[K comparable, PK comparable, V any] struct {
	backing    cache.Store[K, V]
	publishKey func(K) PK
	mapKey     func(K) K
	equal      func(a, b V) bool
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu        sync.Mutex
	aliases   map[K]K
	current   map[PK]K
	subs      map[PK]*stream.Broadcaster[Result[K, V]]
	events    *stream.Broadcaster[Event[K, PK, V]]
	keyEvents map[PK]*stream.Broadcaster[Event[K, PK, V]]
	closed    bool
}

// NewStore wraps backing. m may be nil.
func NewStore[K comparable, PK comparable, V any](
	cfg Config[K, PK, V],
	backing cache.Store[K, V],
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Store[K, PK, V], error) {
	if backing == nil {
		return nil, fmt.Errorf("backing store cannot be nil")
	}
	if cfg.PublishKey == nil {
		return nil, fmt.Errorf("publish key function cannot be nil")
	}
	if cfg.MapKey == nil {
		cfg.MapKey = func(k K) K { return k }
	}
	if cfg.Equal == nil {
		cfg.Equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	return &Store[K, PK, V]{
		backing:    backing,
		publishKey: cfg.PublishKey,
		mapKey:     cfg.MapKey,
		equal:      cfg.Equal,
		metrics:    m,
		logger:     logger.With().Str("component", "ObservableStore").Logger(),
		aliases:    make(map[K]K),
		current:    make(map[PK]K),
		subs:       make(map[PK]*stream.Broadcaster[Result[K, V]]),
		events:     stream.NewBroadcaster[Event[K, PK, V]](),
		keyEvents:  make(map[PK]*stream.Broadcaster[Event[K, PK, V]]),
	}, nil
}

// Resolve maps key through the key mapping function and the alias table.
func (s *Store[K, PK, V]) Resolve(key K) K {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(key)
}

func (s *Store[K, PK, V]) resolveLocked(key K) K {
	k := s.mapKey(key)
	for i := 0; i < maxAliasHops; i++ {
		to, ok := s.aliases[k]
		if !ok {
			break
		}
		k = to
	}
	return k
}

// PublishKeyFor returns the publish key a store key routes to, after mapping.
func (s *Store[K, PK, V]) PublishKeyFor(key K) PK {
	return s.publishKey(s.Resolve(key))
}

// AddAlias makes from resolve to to. Aliases are never removed automatically.
func (s *Store[K, PK, V]) AddAlias(from, to K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mapKey(from)
	t := s.resolveLocked(to)
	if f == t {
		return
	}
	s.aliases[f] = t
	s.logger.Debug().Str("from", fmt.Sprint(f)).Str("to", fmt.Sprint(t)).Msg("Registered key alias.")
}

// Get retrieves the value for key.
func (s *Store[K, PK, V]) Get(ctx context.Context, key K) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Get(ctx, s.resolveLocked(key))
}

// Age reports the time since key was last written.
func (s *Store[K, PK, V]) Age(ctx context.Context, key K) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Age(ctx, s.resolveLocked(key))
}

// Keys lists every stored key.
func (s *Store[K, PK, V]) Keys(ctx context.Context) ([]K, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Keys(ctx)
}

// Set writes value, makes key the current key of its publish key, emits a
// change event and publishes the value to the publish key's subscribers.
func (s *Store[K, PK, V]) Set(ctx context.Context, key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ctx, s.resolveLocked(key), value)
}

func (s *Store[K, PK, V]) setLocked(ctx context.Context, k K, value V) error {
	prev, existed, err := s.backing.Set(ctx, k, value)
	if err != nil {
		return fmt.Errorf("failed to write key '%v': %w", k, err)
	}
	pk := s.publishKey(k)
	s.current[pk] = k

	ev := Event[K, PK, V]{Kind: Add, Key: k, PublishKey: pk, Value: value, At: time.Now()}
	if existed {
		ev.Kind = Update
		ev.Previous = prev
	}
	s.emitLocked(ev)
	if b, ok := s.subs[pk]; ok {
		b.Publish(Result[K, V]{Key: k, Value: value})
	}
	return nil
}

// Delete removes key. Subscribers of its publish key see only the change
// event; the current key is dropped if it pointed at key.
func (s *Store[K, PK, V]) Delete(ctx context.Context, key K) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, s.resolveLocked(key))
}

func (s *Store[K, PK, V]) deleteLocked(ctx context.Context, k K) (bool, error) {
	prev, existed, err := s.backing.Delete(ctx, k)
	if err != nil {
		return false, fmt.Errorf("failed to delete key '%v': %w", k, err)
	}
	if !existed {
		return false, nil
	}
	pk := s.publishKey(k)
	if cur, ok := s.current[pk]; ok && cur == k {
		delete(s.current, pk)
	}
	s.emitLocked(Event[K, PK, V]{Kind: Delete, Key: k, PublishKey: pk, Value: prev, At: time.Now()})
	return true, nil
}

// Clear removes every entry, emitting a delete event for each, and resets the
// current-key table.
func (s *Store[K, PK, V]) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.backing.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	for _, k := range keys {
		if _, err := s.deleteLocked(ctx, k); err != nil {
			return err
		}
	}
	if err := s.backing.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear backing store: %w", err)
	}
	s.current = make(map[PK]K)
	return nil
}

// Evict removes key only if its age exceeds olderThan. It reports whether the
// entry was removed.
func (s *Store[K, PK, V]) Evict(ctx context.Context, key K, olderThan time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.resolveLocked(key)
	age, ok, err := s.backing.Age(ctx, k)
	if err != nil {
		return false, fmt.Errorf("failed to read age of key '%v': %w", k, err)
	}
	if !ok || age <= olderThan {
		return false, nil
	}
	removed, err := s.deleteLocked(ctx, k)
	if removed {
		s.metrics.Eviction()
		s.logger.Debug().Str("key", fmt.Sprint(k)).Dur("age", age).Msg("Evicted stale entry.")
	}
	return removed, err
}

// CurrentKey returns the key whose value a new subscriber of pk receives first.
func (s *Store[K, PK, V]) CurrentKey(pk PK) (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.current[pk]
	return k, ok
}

// SetCurrentKey makes key the current key of its publish key and republishes
// its cached value. If key has no cached value, the publish key's current key
// is cleared instead, so it never points at a missing entry. It reports whether
// a cached value was found.
func (s *Store[K, PK, V]) SetCurrentKey(ctx context.Context, key K) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.resolveLocked(key)
	pk := s.publishKey(k)
	value, ok, err := s.backing.Get(ctx, k)
	if err != nil {
		return false, fmt.Errorf("failed to read key '%v': %w", k, err)
	}
	if !ok {
		delete(s.current, pk)
		return false, nil
	}
	s.current[pk] = k
	if b, ok := s.subs[pk]; ok {
		b.Publish(Result[K, V]{Key: k, Value: value, Cached: true})
	}
	return true, nil
}

// Subscribe returns a subscription for pk. Its first value is the value at
// pk's current key, if there is one, followed by every later write or failure
// routed to pk.
func (s *Store[K, PK, V]) Subscribe(ctx context.Context, pk PK) (*stream.Subscription[Result[K, V]], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.subs[pk]
	if !ok {
		b = stream.NewBroadcaster[Result[K, V]]()
		if s.closed {
			b.Close()
		} else {
			s.subs[pk] = b
		}
	}
	k, ok := s.current[pk]
	if !ok {
		return b.Subscribe(), nil
	}
	value, found, err := s.backing.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("failed to read current key '%v': %w", k, err)
	}
	if !found {
		// The backing store dropped the entry behind our back.
		delete(s.current, pk)
		return b.Subscribe(), nil
	}
	return b.SubscribeWith(Result[K, V]{Key: k, Value: value, Cached: true}), nil
}

// PublishFailure delivers err to the subscribers of pk.
func (s *Store[K, PK, V]) PublishFailure(pk PK, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.subs[pk]; ok {
		b.Publish(Result[K, V]{Err: err})
	}
}

// Events subscribes to every change event.
func (s *Store[K, PK, V]) Events() *stream.Subscription[Event[K, PK, V]] {
	return s.events.Subscribe()
}

// EventsFor subscribes to the change events routed to pk.
func (s *Store[K, PK, V]) EventsFor(pk PK) *stream.Subscription[Event[K, PK, V]] {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.keyEvents[pk]
	if !ok {
		b = stream.NewBroadcaster[Event[K, PK, V]]()
		if s.closed {
			b.Close()
		} else {
			s.keyEvents[pk] = b
		}
	}
	return b.Subscribe()
}

// Mutate applies fn to every entry routed to pk and writes back the values fn
// returns with ok set. Subscribers are republished to only if the value at the
// current key changed.
//
// Entries rewritten behind the store's back while the pass runs are skipped:
// an entry whose age is lower than when the pass started has been written
// since. This is a best-effort guard, not a consistency guarantee.
func (s *Store[K, PK, V]) Mutate(ctx context.Context, pk PK, fn func(key K, value V) (V, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backing.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}
	ages := make(map[K]time.Duration)
	var routed []K
	for _, k := range keys {
		if s.publishKey(k) != pk {
			continue
		}
		age, ok, err := s.backing.Age(ctx, k)
		if err != nil {
			return fmt.Errorf("failed to read age of key '%v': %w", k, err)
		}
		if ok {
			ages[k] = age
			routed = append(routed, k)
		}
	}

	currentKey, hasCurrent := s.current[pk]
	var newCurrent V
	currentChanged := false

	for _, k := range routed {
		age, ok, err := s.backing.Age(ctx, k)
		if err != nil {
			return fmt.Errorf("failed to read age of key '%v': %w", k, err)
		}
		if !ok || age < ages[k] {
			s.logger.Debug().Str("key", fmt.Sprint(k)).Msg("Entry changed during bulk mutation, skipping.")
			continue
		}
		value, ok, err := s.backing.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("failed to read key '%v': %w", k, err)
		}
		if !ok {
			continue
		}
		next, write := fn(k, value)
		if !write {
			continue
		}
		if _, _, err := s.backing.Set(ctx, k, next); err != nil {
			return fmt.Errorf("failed to write key '%v': %w", k, err)
		}
		s.emitLocked(Event[K, PK, V]{Kind: Update, Key: k, PublishKey: pk, Value: next, Previous: value, At: time.Now()})
		if hasCurrent && k == currentKey && !s.equal(value, next) {
			newCurrent = next
			currentChanged = true
		}
	}

	if currentChanged {
		if b, ok := s.subs[pk]; ok {
			b.Publish(Result[K, V]{Key: currentKey, Value: newCurrent})
		}
	}
	return nil
}

// Close closes every subscription stream.
func (s *Store[K, PK, V]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for pk, b := range s.subs {
		b.Close()
		delete(s.subs, pk)
	}
	for pk, b := range s.keyEvents {
		b.Close()
		delete(s.keyEvents, pk)
	}
	s.events.Close()
}

func (s *Store[K, PK, V]) emitLocked(ev Event[K, PK, V]) {
	s.metrics.StoreEvent(ev.Kind.String())
	s.events.Publish(ev)
	if b, ok := s.keyEvents[ev.PublishKey]; ok {
		b.Publish(ev)
	}
}
