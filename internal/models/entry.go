package models

import "time"

// CacheEntry wraps a cached value with its write time. Expiry is fixed from
// the write; reads never extend it.
type CacheEntry[T any] struct {
	Value     T         `json:"value"`
	WrittenAt time.Time `json:"written_at"`
}

// NewCacheEntry stamps v with the given write time
func NewCacheEntry[T any](v T, now time.Time) CacheEntry[T] {
	return CacheEntry[T]{Value: v, WrittenAt: now}
}

// Expired reports whether the entry is past ttl at now. A non-positive ttl
// never expires.
func (e CacheEntry[T]) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return !now.Before(e.WrittenAt.Add(ttl))
}
