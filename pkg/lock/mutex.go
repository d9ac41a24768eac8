// Package lock provides fair, context-aware mutual exclusion. Waiters acquire
// the lock strictly in the order they asked for it.
package lock

import (
	"container/list"
	"context"
	"sync"
)

// Mutex is a FIFO mutual-exclusion lock. The zero value is an unlocked Mutex.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters list.List // of chan struct{}
}

// Lock acquires the mutex, waiting behind every earlier caller. If ctx ends
// before the lock is handed over, Lock gives up its place and returns ctx.Err().
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && m.waiters.Len() == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := m.waiters.PushBack(ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ready:
			// Ownership arrived while we were giving up; pass it on.
			m.mu.Unlock()
			m.Unlock()
		default:
			m.waiters.Remove(elem)
			m.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free and nobody is queued.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked || m.waiters.Len() > 0 {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, handing it directly to the oldest waiter.
// Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		panic("lock: unlock of unlocked Mutex")
	}
	front := m.waiters.Front()
	if front == nil {
		m.locked = false
		return
	}
	m.waiters.Remove(front)
	close(front.Value.(chan struct{}))
}

// Waiting returns the number of queued callers.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters.Len()
}
