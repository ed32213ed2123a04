package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"presenceapi/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)

	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("Expected miss on empty store")
	}

	m.Put(ctx, "k", []byte("v1"))
	v, ok := m.Get(ctx, "k")
	if !ok || string(v) != "v1" {
		t.Fatalf("Expected v1, got %q (found=%v)", v, ok)
	}

	// Last write wins
	m.Put(ctx, "k", []byte("v2"))
	v, _ = m.Get(ctx, "k")
	if string(v) != "v2" {
		t.Errorf("Expected v2, got %q", v)
	}
}

func TestMemoryStore_CopiesValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)

	buf := []byte("abc")
	m.Put(ctx, "k", buf)
	buf[0] = 'x'

	v, _ := m.Get(ctx, "k")
	if string(v) != "abc" {
		t.Errorf("Expected stored value to be isolated, got %q", v)
	}
}

func TestMemoryStore_ExpiresWithoutSliding(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(5*time.Minute, WithClock(clock.Now))

	m.Put(ctx, "k", []byte("v"))

	// Reads in between do not extend the lifetime
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		if _, ok := m.Get(ctx, "k"); !ok {
			t.Fatalf("Expected hit after %d minutes", i+1)
		}
	}

	clock.Advance(time.Minute)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Expected miss at ttl")
	}
	if m.Len() != 0 {
		t.Errorf("Expected lazy eviction on read, len=%d", m.Len())
	}
}

func TestMemoryStore_PutResetsTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(5*time.Minute, WithClock(clock.Now))

	m.Put(ctx, "k", []byte("v"))
	clock.Advance(4 * time.Minute)
	m.Put(ctx, "k", []byte("v"))
	clock.Advance(4 * time.Minute)

	if _, ok := m.Get(ctx, "k"); !ok {
		t.Error("Expected rewrite to restart the ttl")
	}
}

func TestMemoryStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)

	m.Put(ctx, "k", []byte("v"))
	m.Invalidate(ctx, "k")
	m.Invalidate(ctx, "missing")

	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("Expected miss after invalidate")
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(5*time.Minute, WithClock(clock.Now))

	m.Put(ctx, "old1", []byte("v"))
	m.Put(ctx, "old2", []byte("v"))
	clock.Advance(3 * time.Minute)
	m.Put(ctx, "young", []byte("v"))
	clock.Advance(2 * time.Minute)

	if n := m.Sweep(); n != 2 {
		t.Errorf("Expected 2 removed, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 remaining, got %d", m.Len())
	}
	if _, ok := m.Get(ctx, "young"); !ok {
		t.Error("Expected young entry to survive the sweep")
	}
}

func TestMemoryStore_StartSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMemoryStore(10 * time.Millisecond)
	m.Put(ctx, "k", []byte("v"))
	m.StartSweeper(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected sweeper to remove the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.Put(ctx, "k", []byte{byte(i)})
				m.Get(ctx, "k")
				if j%50 == 0 {
					m.Sweep()
				}
			}
		}(i)
	}
	wg.Wait()

	if _, ok := m.Get(ctx, "k"); !ok {
		t.Error("Expected key to be present after concurrent writes")
	}
}

func TestCache_TypedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	users := NewUserCache[models.UserRecord](store)
	presences := NewPresenceCache[models.PresenceRecord](store)

	users.Put(ctx, "7", models.UserRecord{ID: "7", Username: "a"})
	presences.Put(ctx, "7", models.OfflinePresence("7", ""))

	u, ok := users.Get(ctx, "7")
	if !ok || u.Username != "a" {
		t.Fatalf("Expected user a, got %+v (found=%v)", u, ok)
	}

	p, ok := presences.Get(ctx, "7")
	if !ok || p.Status != models.StatusOffline {
		t.Fatalf("Expected offline presence, got %+v (found=%v)", p, ok)
	}

	// The two caches are independent
	users.Invalidate(ctx, "7")
	if _, ok := users.Get(ctx, "7"); ok {
		t.Error("Expected user miss after invalidate")
	}
	if _, ok := presences.Get(ctx, "7"); !ok {
		t.Error("Expected presence to survive user invalidation")
	}
}

func TestCache_CorruptPayloadIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	users := NewUserCache[models.UserRecord](store)

	store.Put(ctx, UserPrefix+"7", []byte("{broken"))

	if _, ok := users.Get(ctx, "7"); ok {
		t.Error("Expected corrupt payload to be a miss")
	}
	if _, ok := store.Get(ctx, UserPrefix+"7"); ok {
		t.Error("Expected corrupt payload to be evicted")
	}
}
