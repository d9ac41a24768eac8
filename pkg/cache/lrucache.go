package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// lruItem is the internal structure stored in the linked list.
type lruItem[K comparable, V any] struct {
	key   K
	entry Entry[V]
}

// LRUStore is a thread-safe, in-memory Store with a fixed size and a Least
// Recently Used eviction policy. Reads and writes both count as use.
type LRUStore[K comparable, V any] struct {
	maxSize int
	now     func() time.Time
	onEvict func(key K, value V)

	mu    sync.Mutex
	ll    *list.List          // Used to track the order of items (recency).
	items map[K]*list.Element // Used for fast key lookups.
}

// LRUConfig holds configuration for an LRUStore.
type LRUConfig[K comparable, V any] struct {
	// MaxSize is the maximum number of entries. Must be > 0.
	MaxSize int
	// Now overrides the clock used for entry ages.
	Now func() time.Time
	// OnEvict is called, under the store lock, for every entry evicted for space.
	OnEvict func(key K, value V)
}

// NewLRUStore creates a new size-limited, in-memory LRU store.
func NewLRUStore[K comparable, V any](cfg LRUConfig[K, V]) (*LRUStore[K, V], error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LRUStore[K, V]{
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		onEvict: cfg.OnEvict,
		ll:      list.New(),
		items:   make(map[K]*list.Element),
	}, nil
}

// Get retrieves key and marks it as most recently used.
func (s *LRUStore[K, V]) Get(_ context.Context, key K) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false, nil
	}
	s.ll.MoveToFront(elem)
	return elem.Value.(*lruItem[K, V]).entry.Value, true, nil
}

// Set writes key, evicting the least recently used entry when over capacity.
func (s *LRUStore[K, V]) Set(_ context.Context, key K, value V) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := Entry[V]{Value: value, WrittenAt: s.now()}
	if elem, ok := s.items[key]; ok {
		item := elem.Value.(*lruItem[K, V])
		prev := item.entry.Value
		item.entry = entry
		s.ll.MoveToFront(elem)
		return prev, true, nil
	}

	s.items[key] = s.ll.PushFront(&lruItem[K, V]{key: key, entry: entry})
	if s.ll.Len() > s.maxSize {
		s.evict()
	}
	var zero V
	return zero, false, nil
}

// Delete removes key.
func (s *LRUStore[K, V]) Delete(_ context.Context, key K) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false, nil
	}
	s.ll.Remove(elem)
	delete(s.items, key)
	return elem.Value.(*lruItem[K, V]).entry.Value, true, nil
}

// Age reports the time since key was last written without affecting recency.
func (s *LRUStore[K, V]) Age(_ context.Context, key K) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		return 0, false, nil
	}
	return s.now().Sub(elem.Value.(*lruItem[K, V]).entry.WrittenAt), true, nil
}

// Keys lists keys from most to least recently used.
func (s *LRUStore[K, V]) Keys(_ context.Context) ([]K, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]K, 0, s.ll.Len())
	for e := s.ll.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruItem[K, V]).key)
	}
	return keys, nil
}

// Clear removes every entry.
func (s *LRUStore[K, V]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.items = make(map[K]*list.Element)
	return nil
}

// evict removes the least recently used item from the store.
// This method is unexported and must be called within a locked mutex.
func (s *LRUStore[K, V]) evict() {
	elementToRemove := s.ll.Back()
	if elementToRemove != nil {
		itemToRemove := s.ll.Remove(elementToRemove).(*lruItem[K, V])
		delete(s.items, itemToRemove.key)
		if s.onEvict != nil {
			s.onEvict(itemToRemove.key, itemToRemove.entry.Value)
		}
	}
}
