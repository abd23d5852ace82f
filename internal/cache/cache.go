// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package cache provides a bounded, time-expiring in-memory cache with
// least-recently-used eviction. It is the hot layer in front of the durable
// entity store; it performs no I/O and never blocks.
package cache

import (
	"sync"
	"time"
)

// entry is a node in the doubly-linked LRU list.
type entry[V any] struct {
	key            string
	value          V
	insertedAt     time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	prev           *entry[V]
	next           *entry[V]
}

// Cache is a thread-safe LRU cache with per-entry TTL.
//
// All operations are O(1): a map provides lookup, a doubly-linked list with
// sentinel head/tail nodes provides recency ordering. head.next is the most
// recently used entry, tail.prev the least recently used.
//
// Expiry is lazy: Get on an expired entry removes it and reports a miss.
// RemoveExpired may additionally be called periodically (see the sweep
// service) to bound memory between reads.
type Cache[V any] struct {
	mu sync.Mutex

	maxEntries int
	defaultTTL time.Duration

	items map[string]*entry[V]
	head  *entry[V]
	tail  *entry[V]

	hits      int64
	staleHits int64
	misses    int64
	evictions int64

	// now is replaceable in tests.
	now func() time.Time
}

// Stats is a point-in-time snapshot of cache counters. StaleHits counts
// expired entries served through GetStale; they are tracked apart from Hits
// so degraded reads do not inflate the hit rate.
type Stats struct {
	Hits      int64
	StaleHits int64
	Misses    int64
	Evictions int64
	Size      int
}

const (
	defaultMaxEntries = 1000
	defaultTTL        = 5 * time.Minute
)

// New creates a cache bounded to maxEntries with the given default TTL.
// Non-positive arguments fall back to 1000 entries and 5 minutes.
func New[V any](maxEntries int, ttl time.Duration) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	c := &Cache[V]{
		maxEntries: maxEntries,
		defaultTTL: ttl,
		items:      make(map[string]*entry[V], maxEntries),
		head:       &entry[V]{},
		tail:       &entry[V]{},
		now:        time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get retrieves a value. A hit updates the entry's last-access time and
// promotes it to most recently used. An expired entry is removed and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}

	now := c.now()
	if now.After(e.expiresAt) {
		c.removeEntry(e)
		c.misses++
		return zero, false
	}

	e.lastAccessedAt = now
	c.moveToFront(e)
	c.hits++
	return e.value, true
}

// GetStale retrieves a value even if its TTL has elapsed, without removing
// it. The second return reports whether the entry is expired. Used for
// degraded offline reads where stale data is acceptable. Serving an expired
// entry counts as a stale hit and does not refresh its recency: repeated
// degraded reads must not keep a dead entry out of eviction's reach.
func (c *Cache[V]) GetStale(key string) (value V, expired bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, found := c.items[key]
	if !found {
		c.misses++
		return zero, false, false
	}

	now := c.now()
	if now.After(e.expiresAt) {
		c.staleHits++
		return e.value, true, true
	}

	e.lastAccessedAt = now
	c.moveToFront(e)
	c.hits++
	return e.value, false, true
}

// Put inserts or updates a value with the default TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.PutTTL(key, value, c.defaultTTL)
}

// PutTTL inserts or updates a value with an explicit TTL. Re-putting an
// existing key replaces its value and promotes it to most recently used
// without changing the logical size. At capacity, the single least recently
// used entry is evicted before inserting.
func (c *Cache[V]) PutTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.insertedAt = now
		e.expiresAt = now.Add(ttl)
		e.lastAccessedAt = now
		c.moveToFront(e)
		return
	}

	for len(c.items) >= c.maxEntries {
		c.evictOldest()
	}

	e := &entry[V]{
		key:            key,
		value:          value,
		insertedAt:     now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
	}
	c.addToFront(e)
	c.items[key] = e
}

// Remove deletes a key. It is a no-op if the key is absent.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeEntry(e)
	}
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry[V], c.maxEntries)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Len returns the current number of entries, including not-yet-swept
// expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RemoveExpired proactively purges expired entries and returns how many
// were removed.
func (c *Cache[V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.removeEntry(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Snapshot returns current counters.
func (c *Cache[V]) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		StaleHits: c.staleHits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
	}
}

// List manipulation. All must be called with mu held.

func (c *Cache[V]) addToFront(e *entry[V]) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache[V]) moveToFront(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *Cache[V]) removeEntry(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *Cache[V]) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
	c.evictions++
}
