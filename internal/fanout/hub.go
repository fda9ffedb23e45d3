// Package fanout delivers keyed messages to any number of subscribers.
//
// Publishing never blocks: each subscription owns an unbounded queue drained
// by its own goroutine, so a slow reader only delays itself. Messages for one
// key reach every subscriber in publish order.
package fanout

import "sync"

// Hub broadcasts messages of type T to subscribers of a key.
type Hub[T any] struct {
	mu   sync.Mutex
	subs map[string]map[*subscription[T]]struct{}
}

// New returns an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[*subscription[T]]struct{})}
}

type subscription[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	out    chan T
	done   chan struct{}
}

// Subscribe registers a listener for key. The returned cancel func is
// idempotent; after it returns the channel is closed and receives nothing.
func (h *Hub[T]) Subscribe(key string) (<-chan T, func()) {
	sub := &subscription[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscription[T]]struct{})
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if peers := h.subs[key]; peers != nil {
				delete(peers, sub)
				if len(peers) == 0 {
					delete(h.subs, key)
				}
			}
			h.mu.Unlock()

			sub.mu.Lock()
			sub.closed = true
			sub.queue = nil
			sub.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

// Publish queues msg for every current subscriber of key.
func (h *Hub[T]) Publish(key string, msg T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[key] {
		sub.enqueue(msg)
	}
}

// Subscribers returns the number of listeners on key.
func (h *Hub[T]) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

func (s *subscription[T]) enqueue(msg T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
