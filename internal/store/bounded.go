// Package store provides a size-bounded keyed store with eviction callbacks.
package store

import (
	"container/list"
	"sync"
)

// EvictionPolicy defines how entries are evicted from a bounded store.
type EvictionPolicy string

const (
	// LRU evicts the least recently used entry.
	LRU EvictionPolicy = "lru"
	// FIFO evicts the oldest entry.
	FIFO EvictionPolicy = "fifo"
)

// Bounded holds at most a fixed number of entries.
type Bounded[K comparable, V any] struct {
	mu         sync.Mutex
	data       map[K]*list.Element
	order      *list.List
	maxEntries int
	policy     EvictionPolicy
	onEvict    func(key K, value V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Option configures a Bounded store.
type Option[K comparable, V any] func(*Bounded[K, V])

// WithMaxEntries sets the maximum number of entries. Zero means unbounded.
func WithMaxEntries[K comparable, V any](n int) Option[K, V] {
	return func(b *Bounded[K, V]) {
		b.maxEntries = n
	}
}

// WithEvictionPolicy sets the eviction policy.
func WithEvictionPolicy[K comparable, V any](policy EvictionPolicy) Option[K, V] {
	return func(b *Bounded[K, V]) {
		b.policy = policy
	}
}

// WithEvictionCallback sets a callback for evicted entries. It runs after
// the store lock is released.
func WithEvictionCallback[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(b *Bounded[K, V]) {
		b.onEvict = fn
	}
}

// NewBounded creates a bounded store. The default limit is 1000 entries
// with LRU eviction.
func NewBounded[K comparable, V any](opts ...Option[K, V]) *Bounded[K, V] {
	b := &Bounded[K, V]{
		data:       make(map[K]*list.Element),
		order:      list.New(),
		maxEntries: 1000,
		policy:     LRU,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get retrieves a value by key.
func (b *Bounded[K, V]) Get(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.data[key]
	if !ok {
		var zero V
		return zero, false
	}
	if b.policy == LRU {
		b.order.MoveToFront(elem)
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Set stores a value, evicting entries beyond the limit.
func (b *Bounded[K, V]) Set(key K, value V) {
	b.mu.Lock()
	if elem, ok := b.data[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		if b.policy == LRU {
			b.order.MoveToFront(elem)
		}
		b.mu.Unlock()
		return
	}

	b.data[key] = b.order.PushFront(&entry[K, V]{key: key, value: value})
	evicted := b.enforceLimit()
	b.mu.Unlock()

	b.notify(evicted)
}

// Delete removes a key without invoking the eviction callback.
func (b *Bounded[K, V]) Delete(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.data[key]; ok {
		b.order.Remove(elem)
		delete(b.data, key)
	}
}

// Len returns the number of entries.
func (b *Bounded[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Values returns entries from most to least recently stored or used.
func (b *Bounded[K, V]) Values() []V {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]V, 0, len(b.data))
	for elem := b.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*entry[K, V]).value)
	}
	return out
}

// enforceLimit must be called with b.mu held.
func (b *Bounded[K, V]) enforceLimit() []*entry[K, V] {
	var evicted []*entry[K, V]
	for b.maxEntries > 0 && len(b.data) > b.maxEntries {
		elem := b.order.Back()
		if elem == nil {
			break
		}
		ent := elem.Value.(*entry[K, V])
		b.order.Remove(elem)
		delete(b.data, ent.key)
		evicted = append(evicted, ent)
	}
	return evicted
}

func (b *Bounded[K, V]) notify(evicted []*entry[K, V]) {
	if b.onEvict == nil {
		return
	}
	for _, ent := range evicted {
		b.onEvict(ent.key, ent.value)
	}
}
