// Package ratelimit throttles the event-ingest endpoints (spawns, work item
// events, metric reports) per caller.
//
// MemoryLimiter is a per-process token bucket. Replicas behind a load
// balancer each enforce their own budget; the Limiter interface is the seam
// for a shared implementation.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque:
	// callers construct it (e.g. "ingest:<principal>"). An error signals a
	// limiter malfunction and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
