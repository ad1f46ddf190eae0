// Package expiring provides a map whose entries remove themselves once their lifetime elapses.
// The listener uses it to count handshake failures per source address over a sliding window.
package expiring

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val   V
	timer *time.Timer
	gen   uint64 // identifies the Store that armed timer
}

// A Table maps keys to values that expire.
// Use New; Tables must only be passed by reference.
//
// Reading an entry at the instant it expires races the timer; an entry whose timer has not fired is always present.
type Table[K comparable, V any] struct {
	mu  sync.Mutex
	m   map[K]entry[V]
	gen uint64
}

// New returns an empty Table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{m: make(map[K]entry[V])}
}

// Store sets key to value, expiring after ttl.
// Any previous value is replaced and its lifetime discarded.
func (t *Table[K, V]) Store(key K, value V, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store(key, value, ttl)
}

func (t *Table[K, V]) store(key K, value V, ttl time.Duration) {
	if prior, ok := t.m[key]; ok {
		prior.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.m[key] = entry[V]{
		val: value,
		gen: gen,
		timer: time.AfterFunc(ttl, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if cur, ok := t.m[key]; ok && cur.gen == gen {
				delete(t.m, key)
			}
		}),
	}
}

// Upsert sets key to fn(current, found) and restarts its lifetime at ttl, all under one lock.
// Returns the new value.
func (t *Table[K, V]) Upsert(key K, ttl time.Duration, fn func(cur V, found bool) V) V {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, found := t.m[key]
	next := fn(cur.val, found)
	t.store(key, next, ttl)
	return next
}

// Load returns the value of key, if it has not expired.
func (t *Table[K, V]) Load(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[key]
	return e.val, ok
}

// Delete removes key ahead of its expiry.
// Returns false if key was absent.
func (t *Table[K, V]) Delete(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.m, key)
	return true
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
