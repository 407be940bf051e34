// Package shardmap provides a concurrency-safe map split into independently
// locked shards.
package shardmap

import (
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 32

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a string-keyed map safe for concurrent use. Operations on a single
// key are atomic; Range and Len see each shard at a different instant.
type Map[V any] struct {
	shards []*shard[V]
	equal  func(a, b V) bool
}

// New creates a map with n shards. equal is used by the compare operations
// and may be nil when they are not needed.
func New[V any](n int, equal func(a, b V) bool) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], n), equal: equal}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, value V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it. loaded reports whether the value was present.
func (m *Map[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	s := m.shardFor(key)

	s.mu.RLock()
	if v, ok := s.items[key]; ok {
		s.mu.RUnlock()
		return v, true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.items[key]; ok {
		return v, true
	}
	s.items[key] = value
	return value, false
}

// CompareAndSwap replaces the value for key with new if the current value
// equals old.
func (m *Map[V]) CompareAndSwap(key string, old, new V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[key]
	if !ok || !m.equal(cur, old) {
		return false
	}
	s.items[key] = new
	return true
}

// CompareAndDelete removes key if its current value equals old.
func (m *Map[V]) CompareAndDelete(key string, old V) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[key]
	if !ok || !m.equal(cur, old) {
		return false
	}
	delete(s.items, key)
	return true
}

// LoadAndDelete removes key and returns the value it held.
func (m *Map[V]) LoadAndDelete(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
	return v, ok
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	m.LoadAndDelete(key)
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. fn must not modify
// the map.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// Keys returns all keys sorted.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	return keys
}

// DeleteFunc removes every entry for which fn returns true and reports how
// many were removed.
func (m *Map[V]) DeleteFunc(fn func(key string, value V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
