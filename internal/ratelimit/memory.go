package ratelimit

import (
	"context"
	"sync"
	"time"
)

// staleAfter is how long an untouched bucket survives before eviction.
const staleAfter = 10 * time.Minute

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is an in-memory token bucket per key. Each bucket refills at
// rate tokens per second up to burst. A background goroutine evicts idle
// buckets every minute.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock overrides time.Now for refill and eviction.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key with bursts of up to burst. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.evictLoop()
	return m
}

// Allow takes one token from key's bucket if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	} else {
		b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
		b.seen = now
	}

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-staleAfter)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
