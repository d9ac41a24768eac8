package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a generic, thread-safe, in-memory Store.
type InMemoryStore[K comparable, V any] struct {
	now func() time.Time

	mu   sync.RWMutex
	data map[K]Entry[V]
}

// NewInMemoryStore creates a new in-memory store using the wall clock.
func NewInMemoryStore[K comparable, V any]() *InMemoryStore[K, V] {
	return NewInMemoryStoreWithClock[K, V](time.Now)
}

// NewInMemoryStoreWithClock creates an in-memory store that reads time from now.
func NewInMemoryStoreWithClock[K comparable, V any](now func() time.Time) *InMemoryStore[K, V] {
	return &InMemoryStore[K, V]{
		now:  now,
		data: make(map[K]Entry[V]),
	}
}

// Get retrieves the value for key.
func (s *InMemoryStore[K, V]) Get(_ context.Context, key K) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	return e.Value, ok, nil
}

// Set writes value and resets the entry's age.
func (s *InMemoryStore[K, V]) Set(_ context.Context, key K, value V) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[key]
	s.data[key] = Entry[V]{Value: value, WrittenAt: s.now()}
	return prev.Value, ok, nil
}

// Delete removes key.
func (s *InMemoryStore[K, V]) Delete(_ context.Context, key K) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.data[key]
	delete(s.data, key)
	return prev.Value, ok, nil
}

// Age reports the time since key was last written.
func (s *InMemoryStore[K, V]) Age(_ context.Context, key K) (time.Duration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return 0, false, nil
	}
	return s.now().Sub(e.WrittenAt), true, nil
}

// Keys lists every stored key.
func (s *InMemoryStore[K, V]) Keys(_ context.Context) ([]K, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]K, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Clear removes every entry.
func (s *InMemoryStore[K, V]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[K]Entry[V])
	return nil
}
