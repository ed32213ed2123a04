package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"presenceapi/internal/models"
)

// NATSConfig holds settings for the JetStream KV backend
type NATSConfig struct {
	BucketName string
	TTL        time.Duration
	Clock      Clock
}

// NATSBackend keeps records in a JetStream KV bucket. The bucket TTL bounds
// storage; each value also carries its write time so reads never return an
// entry past TTL even before the server purges it. The bucket is bound on
// first use and re-bound after failures, so a broker that comes up late is
// picked up without a restart.
type NATSBackend struct {
	conn   *nats.Conn
	bucket string
	ttl    time.Duration
	now    Clock

	mu sync.Mutex
	kv jetstream.KeyValue
}

var kvKeyReplacer = strings.NewReplacer(":", ".")

// NewNATSBackend creates a backend over conn. The connection is owned by the
// caller.
func NewNATSBackend(conn *nats.Conn, cfg NATSConfig) *NATSBackend {
	bucket := cfg.BucketName
	if bucket == "" {
		bucket = "presence"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &NATSBackend{conn: conn, bucket: bucket, ttl: ttl, now: now}
}

func (b *NATSBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	kv, err := b.keyValue(ctx)
	if err != nil {
		return nil, false, err
	}

	entry, err := kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, false, nil
		}
		b.reset()
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	// Check if the entry is nil or has no data
	if entry == nil || len(entry.Value()) == 0 {
		return nil, false, nil
	}

	var e models.CacheEntry[[]byte]
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, false, nil
	}
	if e.Expired(b.now(), b.ttl) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (b *NATSBackend) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	kv, err := b.keyValue(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(models.NewCacheEntry(value, b.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	// NATS KV has no per-key TTL; the bucket TTL equals the cache TTL
	if _, err := kv.Put(ctx, kvKey(key), data); err != nil {
		b.reset()
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (b *NATSBackend) Delete(ctx context.Context, key string) error {
	kv, err := b.keyValue(ctx)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, kvKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		b.reset()
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (b *NATSBackend) Ping(ctx context.Context) error {
	_, err := b.keyValue(ctx)
	return err
}

// Close drops the bucket handle; the connection stays with its owner
func (b *NATSBackend) Close() error {
	b.reset()
	return nil
}

func (b *NATSBackend) keyValue(ctx context.Context) (jetstream.KeyValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.kv != nil {
		return b.kv, nil
	}
	if b.conn == nil || !b.conn.IsConnected() {
		return nil, fmt.Errorf("nats not connected")
	}

	js, err := jetstream.New(b.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  b.bucket,
		TTL:     b.ttl,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		// Try to get existing bucket
		kv, err = js.KeyValue(ctx, b.bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to create/get KV bucket: %w", err)
		}
	}

	b.kv = kv
	return kv, nil
}

func (b *NATSBackend) reset() {
	b.mu.Lock()
	b.kv = nil
	b.mu.Unlock()
}

// kvKey maps a cache key onto the KV key alphabet, which has no ':'
func kvKey(key string) string { return kvKeyReplacer.Replace(key) }
