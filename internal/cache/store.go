// Package cache provides the in-memory, insertion-ordered TTL store backing
// the dedup and geo caches.
package cache

import (
	"container/list"
	"time"
)

type entry[V any] struct {
	key    string
	value  V
	stored time.Time
}

// Store maps keys to values stamped with the time they were stored.
// Iteration and eviction follow insertion order (FIFO), not recency of
// access. Store is not safe for concurrent use; owners guard it with their
// own mutex so multi-step sequences stay atomic.
type Store[V any] struct {
	ttl      time.Duration
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

// New creates a store whose entries expire after ttl. A capacity of zero
// or less means unbounded.
func New[V any](ttl time.Duration, capacity int) *Store[V] {
	return &Store[V]{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// TTL returns the retention window.
func (s *Store[V]) TTL() time.Duration { return s.ttl }

// Capacity returns the configured size bound.
func (s *Store[V]) Capacity() int { return s.capacity }

// Len returns the number of entries, expired ones included until swept.
func (s *Store[V]) Len() int { return len(s.items) }

// Full reports whether the store holds at least capacity entries.
func (s *Store[V]) Full() bool {
	return s.capacity > 0 && len(s.items) >= s.capacity
}

// Get returns the value for key if present and younger than the TTL.
func (s *Store[V]) Get(key string, now time.Time) (V, bool) {
	var zero V
	el, ok := s.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if s.expired(e, now) {
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is stored, regardless of age.
func (s *Store[V]) Contains(key string) bool {
	_, ok := s.items[key]
	return ok
}

// Put stores value under key stamped with now. Re-putting an existing key
// moves it to the back of the insertion order. Put never evicts; callers
// decide when to call EvictOldest.
func (s *Store[V]) Put(key string, value V, now time.Time) {
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
	}
	s.items[key] = s.order.PushBack(&entry[V]{key: key, value: value, stored: now})
}

// Delete removes key.
func (s *Store[V]) Delete(key string) {
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
}

// Sweep removes every entry older than the TTL and returns how many were removed.
func (s *Store[V]) Sweep(now time.Time) int {
	removed := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[V])
		if s.expired(e, now) {
			s.order.Remove(el)
			delete(s.items, e.key)
			removed++
		}
		el = next
	}
	return removed
}

// EvictOldest removes up to n entries in insertion order and returns how
// many were removed.
func (s *Store[V]) EvictOldest(n int) int {
	removed := 0
	for removed < n {
		el := s.order.Front()
		if el == nil {
			break
		}
		s.order.Remove(el)
		delete(s.items, el.Value.(*entry[V]).key)
		removed++
	}
	return removed
}

// EvictFraction removes the oldest fraction of entries, at least one when
// the store is not empty.
func (s *Store[V]) EvictFraction(fraction float64) int {
	n := int(float64(len(s.items)) * fraction)
	if n < 1 {
		n = 1
	}
	return s.EvictOldest(n)
}

// Keys returns the stored keys in insertion order.
func (s *Store[V]) Keys() []string {
	keys := make([]string, 0, len(s.items))
	for el := s.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

func (s *Store[V]) expired(e *entry[V], now time.Time) bool {
	return now.Sub(e.stored) >= s.ttl
}
