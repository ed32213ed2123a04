package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"presenceapi/internal/models"
)

// CacheMetrics provides cache performance metrics
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
	CostAdded   uint64
	CostEvicted uint64
}

// RistrettoConfig holds Ristretto cache configuration
type RistrettoConfig struct {
	MaxCost     int64 // Maximum cost of cache (bytes)
	NumCounters int64 // Number of counters for TinyLFU admission policy
	BufferItems int64 // Buffer size for async operations
	Metrics     bool  // Enable metrics collection
	TTL         time.Duration
	Clock       Clock
}

// RistrettoStore is a bounded in-process Store. Ristretto enforces the TTL
// itself; the write time is checked again on read so an entry is never served
// past its TTL while ristretto's expiry bucket is still pending.
type RistrettoStore struct {
	cache  *ristretto.Cache
	config RistrettoConfig
	now    Clock
}

// NewRistrettoStore creates a ristretto-backed store
func NewRistrettoStore(config RistrettoConfig) (*RistrettoStore, error) {
	if config.MaxCost <= 0 {
		config.MaxCost = 64 << 20
	}
	if config.NumCounters <= 0 {
		// 10x expected items for a good admission policy
		config.NumCounters = config.MaxCost / 200 * 10
	}
	if config.BufferItems <= 0 {
		config.BufferItems = 64
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		MaxCost:     config.MaxCost,
		NumCounters: config.NumCounters,
		BufferItems: config.BufferItems,
		Metrics:     config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &RistrettoStore{cache: c, config: config, now: now}, nil
}

func (s *RistrettoStore) Get(_ context.Context, key string) ([]byte, bool) {
	value, found := s.cache.Get(key)
	if !found {
		return nil, false
	}

	entry, ok := value.(models.CacheEntry[[]byte])
	if !ok {
		// Handle corrupted cache entry
		s.cache.Del(key)
		return nil, false
	}

	if entry.Expired(s.now(), s.config.TTL) {
		s.cache.Del(key)
		return nil, false
	}

	return entry.Value, true
}

func (s *RistrettoStore) Put(_ context.Context, key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)

	// Cost is the payload plus some overhead for the entry itself
	s.cache.SetWithTTL(key, models.NewCacheEntry(v, s.now()), int64(len(v)+100), s.config.TTL)

	// Sets are buffered; wait so a read right after a write observes it
	s.cache.Wait()
}

func (s *RistrettoStore) Invalidate(_ context.Context, key string) {
	s.cache.Del(key)
	s.cache.Wait()
}

// Len returns the approximate number of items in the cache
// Note: Ristretto is eventually consistent, so this might not be exact
func (s *RistrettoStore) Len() int {
	if s.config.Metrics {
		m := s.cache.Metrics
		return int(m.KeysAdded() - m.KeysEvicted())
	}
	return 0
}

// Metrics returns cache performance metrics
func (s *RistrettoStore) Metrics() CacheMetrics {
	if !s.config.Metrics {
		return CacheMetrics{}
	}

	m := s.cache.Metrics
	return CacheMetrics{
		Hits:        m.Hits(),
		Misses:      m.Misses(),
		KeysAdded:   m.KeysAdded(),
		KeysEvicted: m.KeysEvicted(),
		CostAdded:   m.CostAdded(),
		CostEvicted: m.CostEvicted(),
	}
}

func (s *RistrettoStore) Close() error {
	s.cache.Close()
	return nil
}
