// Package debounce coalesces rapid repeated signals into the last one received
// within a fixed window.
package debounce

import (
	"context"
	"sync"
	"time"
)

// Signal resolves true for a value only if no newer value arrived while it
// waited out the delay.
type Signal[T comparable] struct {
	delay time.Duration

	mu     sync.Mutex
	latest T
}

// NewSignal creates a Signal with a fixed delay. A non-positive delay resolves
// immediately.
func NewSignal[T comparable](delay time.Duration) *Signal[T] {
	return &Signal[T]{delay: delay}
}

// Delay returns the configured window.
func (s *Signal[T]) Delay() time.Duration {
	return s.delay
}

// Wait records value as the newest signal, waits for the delay and reports
// whether value is still the newest. It returns ctx.Err() if the context ends
// first.
func (s *Signal[T]) Wait(ctx context.Context, value T) (bool, error) {
	s.mu.Lock()
	s.latest = value
	s.mu.Unlock()

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest == value, nil
}
