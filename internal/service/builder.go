package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"presenceapi/internal/cache"
	"presenceapi/internal/config"
	"presenceapi/internal/fanout"
	"presenceapi/internal/models"
	"presenceapi/internal/normalize"
	"presenceapi/internal/upstream"
)

// ServiceBuilder helps build a complete presence service
type ServiceBuilder struct {
	config   *config.Config
	logger   *zap.Logger
	conn     *nats.Conn
	source   upstream.Source
	registry Broadcaster
	redis    cache.Backend
}

// NewServiceBuilder creates a new service builder
func NewServiceBuilder(config *config.Config, logger *zap.Logger) *ServiceBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceBuilder{config: config, logger: logger}
}

// WithConn sets the NATS connection used by the upstream source and the nats
// cache backend
func (b *ServiceBuilder) WithConn(conn *nats.Conn) *ServiceBuilder {
	b.conn = conn
	return b
}

// WithSource replaces the NATS upstream source
func (b *ServiceBuilder) WithSource(src upstream.Source) *ServiceBuilder {
	b.source = src
	return b
}

// WithRegistry sets the registry updates are broadcast to
func (b *ServiceBuilder) WithRegistry(r Broadcaster) *ServiceBuilder {
	b.registry = r
	return b
}

// WithRedisBackend replaces the backend built from the redis settings
func (b *ServiceBuilder) WithRedisBackend(backend cache.Backend) *ServiceBuilder {
	b.redis = backend
	return b
}

// Build builds and configures all service components
func (b *ServiceBuilder) Build() (*PresenceService, error) {
	cfg := b.config
	ttl, err := cfg.Cache.GetCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}
	sweepInterval, err := cfg.Cache.GetSweepInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid sweep interval: %w", err)
	}
	fetchTimeout, err := cfg.Upstream.GetFetchTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid fetch timeout: %w", err)
	}

	store, sweeper, err := b.buildStore(ttl)
	if err != nil {
		return nil, err
	}

	source := b.source
	if source == nil {
		if b.conn == nil {
			store.Close()
			return nil, errors.New("upstream source requires a NATS connection")
		}
		requestTimeout, _ := cfg.Upstream.GetRequestTimeout()
		source, err = upstream.NewNATSSource(b.conn, upstream.NATSConfig{
			SubjectPrefix:  cfg.Upstream.SubjectPrefix,
			EventBuffer:    cfg.Upstream.EventBuffer,
			RequestTimeout: requestTimeout,
		}, b.logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create upstream source: %w", err)
		}
	}

	registry := b.registry
	if registry == nil {
		registry = fanout.NewRegistry()
	}

	b.logger.Info("presence service configured",
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Duration("cache_ttl", ttl),
		zap.Duration("fetch_timeout", fetchTimeout))

	return New(Deps{
		Users:     cache.NewUserCache[models.UserRecord](store),
		Presences: cache.NewPresenceCache[models.PresenceRecord](store),
		Store:     store,
		Registry:  registry,
		Source:    source,
		Normalizer: normalize.Normalizer{
			CDNBase:          cfg.Images.CDNBase,
			MediaProxyBase:   cfg.Images.MediaProxyBase,
			SpotifyImageBase: cfg.Images.SpotifyImageBase,
		},
		Logger:        b.logger,
		FetchTimeout:  fetchTimeout,
		Sweeper:       sweeper,
		SweepInterval: sweepInterval,
	}), nil
}

// buildStore selects the one cache backend used for the process lifetime.
// The returned memory store, if any, needs periodic sweeping.
func (b *ServiceBuilder) buildStore(ttl time.Duration) (cache.Store, *cache.MemoryStore, error) {
	cfg := b.config
	memory := cache.NewMemoryStore(ttl, cache.WithLogger(b.logger))
	opTimeout, _ := cfg.Cache.GetOpTimeout()
	fallback := func(durable cache.Backend) cache.Store {
		return cache.NewFallbackStore(durable, memory, cache.FallbackConfig{TTL: ttl, OpTimeout: opTimeout}, b.logger)
	}

	switch cfg.Cache.Backend {
	case "", "memory":
		return memory, memory, nil

	case "ristretto":
		store, err := cache.NewRistrettoStore(cache.RistrettoConfig{
			MaxCost:     cfg.Cache.MaxCost,
			NumCounters: cfg.Cache.NumCounters,
			BufferItems: cfg.Cache.BufferItems,
			Metrics:     cfg.Cache.Metrics,
			TTL:         ttl,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Ristretto cache: %w", err)
		}
		return store, nil, nil

	case "redis":
		backend := b.redis
		if backend == nil {
			dial, read, write := cfg.Redis.Durations()
			rb, err := cache.NewRedisBackend(cache.RedisConfig{
				URL:          cfg.Redis.URL,
				MaxRetries:   cfg.Redis.MaxRetries,
				DialTimeout:  dial,
				ReadTimeout:  read,
				WriteTimeout: write,
			})
			if err != nil {
				return nil, nil, err
			}
			backend = rb
		}
		return fallback(backend), memory, nil

	case "nats":
		if b.conn == nil {
			return nil, nil, errors.New("nats cache backend requires a NATS connection")
		}
		backend := cache.NewNATSBackend(b.conn, cache.NATSConfig{BucketName: cfg.NATS.KVBucket, TTL: ttl})
		return fallback(backend), memory, nil

	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}
