package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Clock abstracts time so expiry can be driven from tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TTLCache is a sharded key/value cache whose entries expire after a fixed TTL.
// A TTL <= 0 disables expiry.
type TTLCache[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
	clock  Clock
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// NewTTLCache creates a cache; a nil clock means the system clock.
func NewTTLCache[V any](ttl time.Duration, clock Clock) *TTLCache[V] {
	if clock == nil {
		clock = SystemClock{}
	}
	c := &TTLCache[V]{ttl: ttl, clock: clock}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *TTLCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *TTLCache[V]) expired(e entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.updatedAt) >= c.ttl
}

// Set stores a value.
func (c *TTLCache[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, updatedAt: c.clock.Now()}
	s.mu.Unlock()
}

// Get returns a live value.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || c.expired(e, c.clock.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Load errors are not cached.
func (c *TTLCache[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Delete removes a key.
func (c *TTLCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *TTLCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *TTLCache[V]) Cleanup() int {
	removed := 0
	now := c.clock.Now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if c.expired(e, now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Clear drops every entry.
func (c *TTLCache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]entry[V])
		s.mu.Unlock()
	}
}
