// Package cache holds the TTL-bounded key/value stores behind the user and
// presence caches. One Store is chosen at startup; callers never see backend
// errors.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"presenceapi/internal/metrics"
)

// DefaultTTL is the fixed lifetime of a cached record
const DefaultTTL = 5 * time.Minute

// Key prefixes of the two independent caches
const (
	UserPrefix     = "user:"
	PresencePrefix = "presence:"
)

// Store is a TTL-bounded key/value store that never fails the caller. Get
// reports absent both for keys never written and for expired keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte)
	Invalidate(ctx context.Context, key string)
	Close() error
}

// Backend is a durable store that may fail. A FallbackStore turns it into a
// Store.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time; tests substitute a fake
type Clock func() time.Time

// Cache is a typed JSON view over a Store under a key prefix
type Cache[T any] struct {
	store  Store
	prefix string
	name   string
}

// New wraps store; name labels the lookup metrics
func New[T any](store Store, prefix, name string) *Cache[T] {
	return &Cache[T]{store: store, prefix: prefix, name: name}
}

// NewUserCache and NewPresenceCache build the two caches over one store
func NewUserCache[T any](store Store) *Cache[T] { return New[T](store, UserPrefix, "user") }

func NewPresenceCache[T any](store Store) *Cache[T] {
	return New[T](store, PresencePrefix, "presence")
}

// Get returns the cached record. Payloads that no longer decode are evicted
// and reported as a miss.
func (c *Cache[T]) Get(ctx context.Context, id string) (T, bool) {
	var zero T
	key := c.prefix + id

	data, ok := c.store.Get(ctx, key)
	if !ok {
		metrics.ObserveCacheLookup(c.name, false)
		return zero, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.store.Invalidate(ctx, key)
		metrics.ObserveCacheLookup(c.name, false)
		return zero, false
	}

	metrics.ObserveCacheLookup(c.name, true)
	return v, true
}

// Put upserts the record and restarts its TTL
func (c *Cache[T]) Put(ctx context.Context, id string, v T) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.store.Put(ctx, c.prefix+id, data)
}

// Invalidate removes the record immediately
func (c *Cache[T]) Invalidate(ctx context.Context, id string) {
	c.store.Invalidate(ctx, c.prefix+id)
}
