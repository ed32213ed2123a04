package cache

import (
	"context"
	"testing"
	"time"
)

func newTestRistretto(t *testing.T, clock Clock) *RistrettoStore {
	t.Helper()
	s, err := NewRistrettoStore(RistrettoConfig{
		MaxCost:     1 << 20,
		NumCounters: 1000,
		BufferItems: 64,
		Metrics:     true,
		TTL:         5 * time.Minute,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("Failed to create ristretto store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRistrettoStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestRistretto(t, nil)

	s.Put(ctx, "k", []byte("v"))
	v, ok := s.Get(ctx, "k")
	if !ok || string(v) != "v" {
		t.Fatalf("Expected v, got %q (found=%v)", v, ok)
	}

	s.Invalidate(ctx, "k")
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("Expected miss after invalidate")
	}
}

func TestRistrettoStore_ReadTimeExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestRistretto(t, clock.Now)

	s.Put(ctx, "k", []byte("v"))
	clock.Advance(5 * time.Minute)

	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("Expected entry past ttl to be a miss")
	}
}

func TestRistrettoStore_Metrics(t *testing.T) {
	ctx := context.Background()
	s := newTestRistretto(t, nil)

	s.Put(ctx, "k", []byte("v"))
	s.Get(ctx, "k")
	s.Get(ctx, "missing")

	m := s.Metrics()
	if m.Hits == 0 {
		t.Error("Expected at least one hit")
	}
	if m.Misses == 0 {
		t.Error("Expected at least one miss")
	}
	if s.Len() < 1 {
		t.Errorf("Expected len >= 1, got %d", s.Len())
	}
}

func TestRistrettoStore_MetricsDisabled(t *testing.T) {
	s, err := NewRistrettoStore(RistrettoConfig{})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if (s.Metrics() != CacheMetrics{}) {
		t.Error("Expected zero metrics when disabled")
	}
	if s.Len() != 0 {
		t.Error("Expected zero len when metrics disabled")
	}
}
