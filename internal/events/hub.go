// Package events delivers notifications through explicit subscription
// handles. Subscribers receive on a buffered channel and unregister by
// closing the handle.
package events

import (
	"sync"
)

// DefaultBuffer is the channel capacity used when Subscribe is given 0.
const DefaultBuffer = 100

// Hub fans values out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the value and its Dropped counter grows.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription is a registered receiver.
type Subscription[T any] struct {
	C <-chan T

	c       chan T
	filter  func(T) bool
	hub     *Hub[T]
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a receiver. filter may be nil to receive everything.
func (h *Hub[T]) Subscribe(buffer int, filter func(T) bool) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	c := make(chan T, buffer)
	s := &Subscription[T]{C: c, c: c, filter: filter, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every matching subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter != nil && !s.filter(v) {
			continue
		}
		select {
		case s.c <- v:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters and closes every subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.once.Do(func() { close(s.c) })
	}
	clear(h.subs)
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.c) })
}

// Dropped returns how many values were discarded because C was full.
func (s *Subscription[T]) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
