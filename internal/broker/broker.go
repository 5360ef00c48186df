// Package broker fans a finite stream of events out to any number of
// subscribers. Every event is recorded, so late subscribers replay the full
// history before following live events.
package broker

import (
	"context"
	"iter"
	"sync"
)

// Filter selects the events a subscriber sees.
type Filter[T any] func(T) bool

// Topic records published events until it is closed.
type Topic[T any] struct {
	mu      sync.Mutex
	events  []T
	closed  bool
	changed chan struct{}
}

// New creates an open topic.
func New[T any]() *Topic[T] {
	return &Topic[T]{changed: make(chan struct{})}
}

// Publish appends an event and wakes subscribers. It reports false if the
// topic is already closed.
func (t *Topic[T]) Publish(event T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.events = append(t.events, event)
	t.broadcast()
	return true
}

// Close ends the stream. Subscribers drain what remains and stop.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.broadcast()
}

// Closed reports whether Close was called.
func (t *Topic[T]) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Events returns a copy of every recorded event.
func (t *Topic[T]) Events() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]T, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of recorded events.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Subscribe returns a lazy sequence of every event, past and future. The
// sequence ends when the topic is closed and drained, or when ctx is done.
func (t *Topic[T]) Subscribe(ctx context.Context, filters ...Filter[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		next := 0
		for {
			t.mu.Lock()
			pending := t.events[next:len(t.events):len(t.events)]
			closed := t.closed
			changed := t.changed
			t.mu.Unlock()

			for _, event := range pending {
				next++
				if !match(event, filters) {
					continue
				}
				if !yield(event) {
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}
}

// broadcast must be called with t.mu held.
func (t *Topic[T]) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func match[T any](event T, filters []Filter[T]) bool {
	for _, f := range filters {
		if !f(event) {
			return false
		}
	}
	return true
}
