/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

// Package lrucache provides an in-memory cache with LRU eviction and optional per-entry TTL.
// All methods are goroutine-safe.
package lrucache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time // zero value means no expiration
}

// LRUCache represents an LRU cache with optional TTL for entries.
type LRUCache[K comparable, V any] struct {
	maxEntries int

	mu      sync.Mutex
	lruList *list.List
	entries map[K]*list.Element
}

// New creates a new LRUCache with the given maximum number of entries.
func New[K comparable, V any](maxEntries int) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries should be positive, got %d", maxEntries)
	}
	return &LRUCache[K, V]{
		maxEntries: maxEntries,
		lruList:    list.New(),
		entries:    make(map[K]*list.Element),
	}, nil
}

// Get returns a value from the cache by the given key and moves it to the front of the LRU list.
// Expired entries are removed and reported as missing.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// Add adds a new value to the cache with no expiration.
// If the cache is full, the oldest entry will be evicted.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.AddWithTTL(key, value, 0)
}

// AddWithTTL adds a new value to the cache that will be reported as missing after the given TTL.
// If the cache is full, the oldest entry will be evicted.
func (c *LRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry[K, V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(elem)
		return
	}
	c.addNewLocked(key, value, expiresAt)
}

// GetOrAdd returns a value from the cache by the given key.
// If the key is missing, the valueProvider is called, and its result is added to the cache and returned.
func (c *LRUCache[K, V]) GetOrAdd(key K, valueProvider func() V) (value V, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, exists = c.getLocked(key); exists {
		return value, true
	}
	value = valueProvider()
	c.addNewLocked(key, value, time.Time{})
	return value, false
}

// Remove removes a value from the cache by the given key.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElemLocked(elem)
	return true
}

// Purge removes all entries from the cache.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruList.Init()
	c.entries = make(map[K]*list.Element)
}

// Len returns the number of entries in the cache, including expired ones that were not touched yet.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *LRUCache[K, V]) getLocked(key K) (value V, ok bool) {
	elem, ok := c.entries[key]
	if !ok {
		return value, false
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElemLocked(elem)
		var zero V
		return zero, false
	}
	c.lruList.MoveToFront(elem)
	return entry.value, true
}

func (c *LRUCache[K, V]) addNewLocked(key K, value V, expiresAt time.Time) {
	if c.lruList.Len() == c.maxEntries {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.removeElemLocked(oldest)
		}
	}
	c.entries[key] = c.lruList.PushFront(&cacheEntry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

func (c *LRUCache[K, V]) removeElemLocked(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry[K, V]).key)
}
