package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (i item[V]) expired(now time.Time) bool {
	return now.After(i.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support. Loads of the same
// key through GetOrLoad are collapsed into one call.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]item[V]
	defaultTTL time.Duration

	group       singleflight.Group
	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// New creates a cache and starts its background cleanup.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items:       make(map[K]item[V]),
		defaultTTL:  defaultTTL,
		stopCleanup: make(chan struct{}),
	}
	if defaultTTL > 0 {
		go c.cleanup(defaultTTL / 2)
	}
	return c
}

// Get retrieves a value from cache
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value in cache with custom TTL
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// GetOrLoad returns the cached value or calls load once for all concurrent
// callers of the same key. Errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	result, err, _ := c.group.Do(fmt.Sprint(key), func() (interface{}, error) {
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// Delete removes a key from cache
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all items from cache
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]item[V])
}

// Len counts entries, expired ones not yet cleaned up included.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// purge removes expired items
func (c *Cache[K, V]) purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[K, V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
