package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Two kinds of failure are retried, at different layers. A transient
// Postgres error aborts a transaction that can be replayed as-is, so
// WithRetry reruns it inside the store. A version conflict means the caller's
// read is stale; only the caller can re-read and re-decide, so
// RetryOnConflict reruns the caller's whole read-decide-write step.

// ErrConflictsExhausted is returned by RetryOnConflict when every attempt
// lost its version race. The error also matches ErrVersionConflict.
var ErrConflictsExhausted = errors.New("storage: version conflicts exhausted")

// transientCodes are SQLSTATEs after which replaying the same transaction
// can succeed.
var transientCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	_, ok := transientCodes[pgErr.Code]
	return ok
}

// WithRetry runs a registry transaction, replaying it up to maxRetries
// times on transient Postgres errors with jittered exponential backoff from
// baseDelay. Every other error, ErrVersionConflict included, returns at once.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}

// RetryOnConflict runs step up to attempts times. step must read the record
// it writes afresh on every call. An ErrVersionConflict starts the next
// attempt immediately; nil or any other error ends the loop and is returned.
// onConflict, when set, observes each lost race.
func RetryOnConflict(ctx context.Context, attempts int, step func(attempt int) error, onConflict func(attempt int)) error {
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = step(attempt)
		if !errors.Is(last, ErrVersionConflict) {
			return last
		}
		if onConflict != nil {
			onConflict(attempt)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConflictsExhausted, attempts, last)
}
