package lock

import (
	"context"
	"sync"
)

type keyedEntry struct {
	mutex Mutex
	refs  int
}

// KeyedMutex serializes callers per key. Entries exist only while some caller
// holds or waits for the key.
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*keyedEntry
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{entries: make(map[K]*keyedEntry)}
}

// Lock acquires the lock for key in FIFO order.
func (k *KeyedMutex[K]) Lock(ctx context.Context, key K) error {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.mutex.Lock(ctx); err != nil {
		k.release(key, e)
		return err
	}
	return nil
}

// Unlock releases the lock for key.
func (k *KeyedMutex[K]) Unlock(key K) {
	k.mu.Lock()
	e, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		panic("lock: unlock of unlocked key")
	}
	e.mutex.Unlock()
	k.release(key, e)
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *KeyedMutex[K]) release(key K, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
