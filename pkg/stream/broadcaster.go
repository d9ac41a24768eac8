// Package stream provides an ordered, non-blocking fan-out of values to any
// number of subscribers. Every result and event stream in this module is built
// on a Broadcaster.
package stream

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription receives the values published on a Broadcaster after it was
// created, in publish order. Each subscription owns an unbounded queue so that
// a slow reader never blocks the publisher or other subscribers.
type Subscription[T any] struct {
	id     uuid.UUID
	parent *Broadcaster[T]
	out    chan T

	mu       sync.Mutex
	queue    []T
	draining bool
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// C returns the channel values are delivered on. It is closed when the
// subscription is closed or the broadcaster shuts down.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// ID returns the unique identifier of the subscription.
func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

// Close detaches the subscription. Values still queued are discarded.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.parent != nil {
			s.parent.remove(s.id)
		}
	})
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain lets the pump deliver what is queued and then close the channel.
func (s *Subscription[T]) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	var zero T
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.draining {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// Broadcaster fans published values out to its subscribers.
// The zero value is not usable; create one with NewBroadcaster.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription[T]
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[uuid.UUID]*Subscription[T]),
	}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	return b.SubscribeWith()
}

// SubscribeWith registers a new subscriber whose queue is seeded with initial
// before any value published afterwards. The seeding is atomic with respect to
// Publish, so no published value can be delivered ahead of the seed.
func (b *Broadcaster[T]) SubscribeWith(initial ...T) *Subscription[T] {
	s := &Subscription[T]{
		id:     uuid.New(),
		parent: b,
		out:    make(chan T),
		queue:  append([]T(nil), initial...),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.drain()
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers v to every current subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(v)
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the broadcaster. Subscribers receive what was already queued and
// then see their channel closed.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.drain()
		delete(b.subs, id)
	}
}

func (b *Broadcaster[T]) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
