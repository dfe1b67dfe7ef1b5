package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/darwin/internal/auth"
	"github.com/ashita-ai/darwin/internal/ctxutil"
	"github.com/ashita-ai/darwin/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func withClaims(r *http.Request, role model.Role) *http.Request {
	claims := &auth.Claims{Role: role}
	claims.Subject = string(role) + "-svc"
	return r.WithContext(ctxutil.WithClaims(r.Context(), claims))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestAuthMiddleware(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken("tracker-1", model.RoleTracker, 0)
	require.NoError(t, err)

	var seen *auth.Claims
	h := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxutil.ClaimsFromContext(r.Context())
		assert.Equal(t, "tracker-1", ctxutil.ActorFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	for _, tc := range []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing header", "/v1/agents", "", http.StatusUnauthorized},
		{"basic scheme", "/v1/agents", "Basic abc", http.StatusUnauthorized},
		{"no scheme", "/v1/agents", token, http.StatusUnauthorized},
		{"bad token", "/v1/agents", "Bearer garbage", http.StatusUnauthorized},
		{"valid token", "/v1/agents", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "/v1/agents", "bearer " + token, http.StatusOK},
		{"public health", "/health", "", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Code)
			}
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, model.RoleTracker, seen.Role)
}

func TestRequireRole(t *testing.T) {
	h := requireRole(model.RoleTracker)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/work-items", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for role, want := range map[model.Role]int{
		model.RoleTracker:  http.StatusOK,
		model.RoleAdmin:    http.StatusOK,
		model.RoleSpawner:  http.StatusForbidden,
		model.RoleReporter: http.StatusForbidden,
		model.RoleReader:   http.StatusForbidden,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/v1/work-items", nil), role))
		assert.Equal(t, want, rec.Code, "role %s", role)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var got string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", got)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, got, 36, "oversized ids are replaced")
	assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, decodeError(t, rec).Code)

	abort := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Title string `json:"title"`
	}
	decode := func(raw string, limit int64) (*httptest.ResponseRecorder, error) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw))
		var b body
		err := decodeJSON(rec, req, &b, limit)
		if err != nil {
			handleDecodeError(rec, req, err)
		}
		return rec, err
	}

	_, err := decode(`{"title":"ok"}`, 1024)
	assert.NoError(t, err)

	rec, err := decode(`{"title":"ok","other":1}`, 1024)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, err = decode(`{"title":"`+strings.Repeat("x", 100)+`"}`, 32)
	assert.ErrorIs(t, err, errBodyTooLarge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPrincipalKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Empty(t, principalKeyFunc(req))
	assert.Equal(t, "tracker-svc", principalKeyFunc(withClaims(req, model.RoleTracker)))
	assert.Empty(t, principalKeyFunc(withClaims(req, model.RoleAdmin)), "admin is exempt")
}
