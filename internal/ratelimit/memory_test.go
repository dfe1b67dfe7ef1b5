package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst, WithClock(clock.Now))
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	})
	return m, clock
}

func allow(t *testing.T, m *MemoryLimiter, key string) bool {
	t.Helper()
	ok, err := m.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	return ok
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 10, 3)
	for i := 0; i < 3; i++ {
		if !allow(t, m, "k1") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if allow(t, m, "k1") {
		t.Fatal("expected Allow=false after burst exhausted")
	}
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newLimiter(t, 2, 1) // one token every 500ms
	if !allow(t, m, "k1") {
		t.Fatal("first request should be allowed")
	}
	if allow(t, m, "k1") {
		t.Fatal("should be denied immediately after exhausting burst")
	}

	clock.Advance(250 * time.Millisecond)
	if allow(t, m, "k1") {
		t.Fatal("half a token is not enough")
	}
	clock.Advance(300 * time.Millisecond)
	if !allow(t, m, "k1") {
		t.Fatal("expected Allow=true after refill")
	}
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newLimiter(t, 1000, 3)
	allow(t, m, "k1")
	clock.Advance(time.Hour)

	for i := 0; i < 3; i++ {
		if !allow(t, m, "k1") {
			t.Fatalf("expected Allow=true for request %d after long idle", i)
		}
	}
	if allow(t, m, "k1") {
		t.Fatal("expected Allow=false after burst exhausted, even after long idle")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 10, 1)
	if !allow(t, m, "ingest:spawner") {
		t.Fatal("first request for spawner should succeed")
	}
	if allow(t, m, "ingest:spawner") {
		t.Fatal("second request for spawner should be denied")
	}
	if !allow(t, m, "ingest:tracker") {
		t.Fatal("tracker has its own bucket")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newLimiter(t, 100, 50)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(context.Background(), "shared")
				if err != nil {
					t.Errorf("Allow error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	// The clock is frozen so nothing refills.
	if allowed != 50 {
		t.Fatalf("expected exactly 50 allowed requests, got %d", allowed)
	}
}

func TestMemoryLimiterEviction(t *testing.T) {
	m, clock := newLimiter(t, 10, 5)
	allow(t, m, "stale")
	clock.Advance(11 * time.Minute)
	allow(t, m, "recent")

	m.evictStale()

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()
	if staleExists {
		t.Fatal("expected stale bucket to be evicted")
	}
	if !recentExists {
		t.Fatal("expected recent bucket to survive eviction")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "anything")
		if err != nil || !ok {
			t.Fatalf("NoopLimiter should always allow, got ok=%v err=%v", ok, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("NoopLimiter.Close error: %v", err)
	}
}
