// Package util holds small cross-cutting helpers shared by every component:
// a generic LRU cache wrapper and the handful of sentinel errors that don't
// belong to any one component.
package util

import "k8s.io/utils/lru"

// Cache is a generic wrapper around lru.Cache that handles type assertions
// when retrieving cached entries, so callers never sprinkle interface{}
// assertions through their own code.
type Cache[T any] struct {
	cache *lru.Cache
}

func NewCache[T any](size int) *Cache[T] {
	return &Cache[T]{cache: lru.New(size)}
}

func (c *Cache[T]) Add(key lru.Key, value T) {
	c.cache.Add(key, value)
}

func (c *Cache[T]) Get(key lru.Key) (value T, ok bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return value, false
	}
	value, ok = v.(T)
	return value, ok
}

func (c *Cache[T]) Remove(key lru.Key) {
	c.cache.Remove(key)
}

func (c *Cache[T]) Len() int {
	return c.cache.Len()
}

func (c *Cache[T]) Clear() {
	c.cache.Clear()
}
