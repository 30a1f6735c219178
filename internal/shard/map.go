// ABOUTME: Sharded concurrent map keyed by string
// ABOUTME: Spreads lock contention so a hot key cannot stall unrelated keys

package shard

import (
	"hash/maphash"
	"sync"
)

const shardCount = 32

var seed = maphash.MakeSeed()

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed map split across independently locked shards.
// The zero value is not usable; call New.
type Map[V any] struct {
	shards [shardCount]*bucket[V]
}

// New creates an empty sharded map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	return m.shards[maphash.String(seed, key)%shardCount]
}

// Get returns the value stored for key.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	v, ok := b.items[key]
	b.mu.RUnlock()
	return v, ok
}

// Set stores v under key, replacing any previous value.
func (m *Map[V]) Set(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	b.items[key] = v
	b.mu.Unlock()
}

// Delete removes key. It reports whether the key was present.
func (m *Map[V]) Delete(key string) bool {
	b := m.bucket(key)
	b.mu.Lock()
	_, ok := b.items[key]
	delete(b.items, key)
	b.mu.Unlock()
	return ok
}

// GetOrCreate returns the existing value for key or stores and returns create().
// create runs with the shard locked and must not touch the map.
func (m *Map[V]) GetOrCreate(key string, create func() V) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	v, ok := b.items[key]
	b.mu.RUnlock()
	if ok {
		return v, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.items[key]; ok {
		return v, false
	}
	v = create()
	b.items[key] = v
	return v, true
}

// Update runs fn with the shard for key write-locked. fn receives the current
// value (and whether it exists) and returns the value to keep; returning
// keep=false deletes the key.
func (m *Map[V]) Update(key string, fn func(cur V, exists bool) (next V, keep bool)) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, exists := b.items[key]
	next, keep := fn(cur, exists)
	if keep {
		b.items[key] = next
	} else if exists {
		delete(b.items, key)
	}
}

// Range calls fn for every entry, one shard at a time. Each shard is copied
// before fn runs so fn may call back into the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		keys := make([]string, 0, len(b.items))
		vals := make([]V, 0, len(b.items))
		for k, v := range b.items {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		b.mu.RUnlock()

		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}
