package ratelimit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/darwin/internal/ratelimit"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func serve(l ratelimit.Limiter, key string) (*httptest.ResponseRecorder, bool) {
	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	mw := ratelimit.Middleware(l, "ingest",
		func(*http.Request) string { return key },
		func(*http.Request) string { return "req-1" },
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/work-items", nil))
	return rec, called
}

func TestMiddleware(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		l := &stubLimiter{allow: true}
		rec, called := serve(l, "tracker")
		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"ingest:tracker"}, l.keys)
	})

	t.Run("denied", func(t *testing.T) {
		rec, called := serve(&stubLimiter{}, "tracker")
		assert.False(t, called)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
		assert.Contains(t, rec.Body.String(), "req-1")
	})

	t.Run("empty key skips", func(t *testing.T) {
		l := &stubLimiter{}
		_, called := serve(l, "")
		assert.True(t, called)
		assert.Empty(t, l.keys)
	})

	t.Run("limiter error fails open", func(t *testing.T) {
		_, called := serve(&stubLimiter{err: errors.New("backend down")}, "tracker")
		assert.True(t, called)
	})

	t.Run("nil limiter", func(t *testing.T) {
		_, called := serve(nil, "tracker")
		assert.True(t, called)
	})
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ratelimit.IPKeyFunc(r))
}
