// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// Entry wraps a value with expiration metadata.
type Entry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// IsExpired returns true if the entry has expired.
func (e *Entry[T]) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// TTLStore is a generic in-memory store with per-entry TTL and a background
// sweep that removes expired entries. The streaming gateway keys registration
// context by call UUID in one of these; entries are refreshed on every
// register so they live as long as the call does.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*Entry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	interval time.Duration
	onEvict  func(key K, value V)
}

// New creates a TTL store whose sweep goroutine runs every cleanupInterval.
func New[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*Entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.sweepLoop()
	return s
}

// SetOnEvict sets the callback invoked when entries are removed by the sweep
// (not by Delete).
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value with the given TTL.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &Entry[V]{Value: value, ExpiresAt: time.Now().Add(ttl)}
}

// Get retrieves a value by key. Expired entries are treated as absent.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	if !ok || entry.IsExpired() {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Has returns true if the key exists and is not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[key]
	return ok && !entry.IsExpired()
}

// Refresh extends the TTL for an existing key without changing the value.
func (s *TTLStore[K, V]) Refresh(key K, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[key]
	if !ok {
		return false
	}
	entry.ExpiresAt = time.Now().Add(ttl)
	return true
}

// Delete removes a key from the store. Returns true if it was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Len returns the number of non-expired entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entry := range s.items {
		if !entry.IsExpired() {
			n++
		}
	}
	return n
}

// ForEach iterates over all non-expired entries. Return false to stop.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, entry := range s.items {
		if !entry.IsExpired() {
			if !fn(key, entry.Value) {
				break
			}
		}
	}
}

// Close stops the sweep goroutine and clears the store.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*Entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes expired entries. Eviction callbacks run outside the lock so
// they may re-enter the store.
func (s *TTLStore[K, V]) sweep() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var expired []evicted
	for key, entry := range s.items {
		if entry.IsExpired() {
			expired = append(expired, evicted{key, entry.Value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
