// Package cache provides the key/value contract used for hot lookups and an
// in-process LRU implementation with per-entry expiry.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is the minimal read/write contract callers depend on.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Invalidate(key string)
}

// LRU is a size-bounded cache whose entries expire after a fixed TTL. It is
// safe for concurrent use.
type LRU[V any] struct {
	lru *expirable.LRU[string, V]
}

func NewLRU[V any](size int, ttl time.Duration) *LRU[V] {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LRU[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (c *LRU[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

func (c *LRU[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

func (c *LRU[V]) Invalidate(key string) {
	c.lru.Remove(key)
}

// Len reports the number of live entries.
func (c *LRU[V]) Len() int {
	return c.lru.Len()
}
