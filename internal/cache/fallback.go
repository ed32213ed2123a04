package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"presenceapi/internal/metrics"
)

// FallbackStore serves from a durable Backend and drops to an in-process
// MemoryStore whenever the backend fails. Backend errors never reach the
// caller. The switch is logged once per transition and recovery happens on
// the next successful backend call.
//
// The fallback map only ever holds values written during an outage, so a
// fallback hit is newer than anything the backend has. Deletes that failed
// are remembered as tombstones and replayed once the backend answers again.
type FallbackStore struct {
	durable    Backend
	fallback   *MemoryStore
	tombstones *xsync.MapOf[string, struct{}]
	ttl        time.Duration
	timeout    time.Duration
	logger     *zap.Logger
	degraded   atomic.Bool
	lastError  atomic.Value // string
}

// FallbackConfig holds the durable call budget
type FallbackConfig struct {
	TTL       time.Duration
	OpTimeout time.Duration
}

// NewFallbackStore wraps durable with fallback
func NewFallbackStore(durable Backend, fallback *MemoryStore, cfg FallbackConfig, logger *zap.Logger) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = fallback.TTL()
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &FallbackStore{
		durable:    durable,
		fallback:   fallback,
		tombstones: xsync.NewMapOf[string, struct{}](),
		ttl:        ttl,
		timeout:    timeout,
		logger:     logger.Named("cache"),
	}
}

func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value, found, err := s.durable.Get(opCtx, key)
	if err != nil {
		s.markDegraded(ctx, "get", err)
		return s.fallback.Get(ctx, key)
	}
	_, buried := s.tombstones.Load(key)
	s.markHealthy(ctx)

	if v, ok := s.fallback.Get(ctx, key); ok {
		return v, true
	}
	if buried {
		s.replayDelete(ctx, key)
		return nil, false
	}
	return value, found
}

func (s *FallbackStore) Put(ctx context.Context, key string, value []byte) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.durable.Set(opCtx, key, value, s.ttl); err != nil {
		s.markDegraded(ctx, "set", err)
		s.fallback.Put(ctx, key, value)
		return
	}
	s.tombstones.Delete(key)
	s.markHealthy(ctx)
	s.fallback.Invalidate(ctx, key)
}

func (s *FallbackStore) Invalidate(ctx context.Context, key string) {
	s.fallback.Invalidate(ctx, key)

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.durable.Delete(opCtx, key); err != nil {
		s.tombstones.Store(key, struct{}{})
		s.markDegraded(ctx, "delete", err)
		return
	}
	s.tombstones.Delete(key)
	s.markHealthy(ctx)
}

// Degraded reports whether the fallback map is currently serving
func (s *FallbackStore) Degraded() bool { return s.degraded.Load() }

// LastError returns the backend error that caused the current degradation
func (s *FallbackStore) LastError() string {
	if v, ok := s.lastError.Load().(string); ok {
		return v
	}
	return ""
}

// Fallback exposes the in-process store so its sweeper can be started
func (s *FallbackStore) Fallback() *MemoryStore { return s.fallback }

// Len reports the size of the fallback map
func (s *FallbackStore) Len() int { return s.fallback.Len() }

func (s *FallbackStore) Close() error {
	err := s.durable.Close()
	_ = s.fallback.Close()
	return err
}

func (s *FallbackStore) markDegraded(ctx context.Context, op string, err error) {
	// A caller that went away says nothing about the backend
	if ctx.Err() != nil {
		return
	}
	s.lastError.Store(err.Error())
	if s.degraded.CompareAndSwap(false, true) {
		metrics.SetCacheDegraded(true)
		s.logger.Warn("cache backend degraded, serving from in-process fallback",
			zap.String("op", op), zap.Error(err))
	}
}

func (s *FallbackStore) markHealthy(ctx context.Context) {
	if s.degraded.CompareAndSwap(true, false) {
		metrics.SetCacheDegraded(false)
		s.lastError.Store("")
		s.logger.Info("cache backend recovered", zap.Int("pending_deletes", s.tombstones.Size()))
	}
	if s.tombstones.Size() == 0 {
		return
	}
	s.tombstones.Range(func(key string, _ struct{}) bool {
		return s.replayDelete(ctx, key)
	})
}

// replayDelete retries a delete that failed during an outage. It reports
// whether the backend accepted it.
func (s *FallbackStore) replayDelete(ctx context.Context, key string) bool {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.durable.Delete(opCtx, key); err != nil {
		s.logger.Debug("replaying cache delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	s.tombstones.Delete(key)
	return true
}
