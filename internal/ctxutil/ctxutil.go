// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server, mcp
// and storage: server populates the context in its middleware, and both mcp
// tools and storage audit writes read it back.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/darwin/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
	keyActor     contextKey = "actor"
)

// WithClaims returns a new context carrying the given claims. The claims'
// subject becomes the audit actor.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	return context.WithValue(ctx, keyActor, claims.Subject)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID, or "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithActor names the component or caller responsible for writes made with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, keyActor, actor)
}

// ActorFromContext extracts the actor, or "" if none was set.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyActor).(string); ok {
		return v
	}
	return ""
}
