package cache

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"presenceapi/internal/models"
)

// MemoryStore is the in-process map backend. Expired entries are treated as
// absent on read; Sweep only bounds memory.
type MemoryStore struct {
	entries *xsync.MapOf[string, models.CacheEntry[[]byte]]
	ttl     time.Duration
	now     Clock
	logger  *zap.Logger
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock
func WithClock(c Clock) MemoryOption {
	return func(m *MemoryStore) { m.now = c }
}

// WithLogger sets the logger used by the sweeper
func WithLogger(l *zap.Logger) MemoryOption {
	return func(m *MemoryStore) { m.logger = l }
}

// NewMemoryStore creates an empty store whose entries live for ttl
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &MemoryStore{
		entries: xsync.NewMapOf[string, models.CacheEntry[[]byte]](),
		ttl:     ttl,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the entry lifetime
func (m *MemoryStore) TTL() time.Duration { return m.ttl }

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.entries.Load(key)
	if !ok {
		return nil, false
	}
	if e.Expired(m.now(), m.ttl) {
		m.evictIfExpired(key)
		return nil, false
	}
	return e.Value, true
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	m.entries.Store(key, models.NewCacheEntry(v, m.now()))
}

func (m *MemoryStore) Invalidate(_ context.Context, key string) {
	m.entries.Delete(key)
}

// Len returns the number of entries, expired ones included until swept
func (m *MemoryStore) Len() int { return m.entries.Size() }

// Sweep removes every expired entry and returns how many were removed. Each
// removal locks only the bucket of that one key.
func (m *MemoryStore) Sweep() int {
	now := m.now()
	removed := 0
	m.entries.Range(func(key string, e models.CacheEntry[[]byte]) bool {
		if e.Expired(now, m.ttl) && m.evictIfExpiredAt(key, now) {
			removed++
		}
		return true
	})
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("cache sweep", zap.Int("removed", n), zap.Int("remaining", m.Len()))
				}
			}
		}
	}()
}

func (m *MemoryStore) Close() error {
	m.entries.Clear()
	return nil
}

func (m *MemoryStore) evictIfExpired(key string) bool {
	return m.evictIfExpiredAt(key, m.now())
}

// evictIfExpiredAt re-checks under the bucket lock so a concurrent Put is
// never lost to a stale eviction.
func (m *MemoryStore) evictIfExpiredAt(key string, now time.Time) bool {
	removed := false
	m.entries.Compute(key, func(old models.CacheEntry[[]byte], loaded bool) (models.CacheEntry[[]byte], bool) {
		if !loaded {
			return old, true
		}
		if old.Expired(now, m.ttl) {
			removed = true
			return old, true
		}
		return old, false
	})
	return removed
}
