// Package ctxutil provides shared context key accessors.
//
// server mounts the mcp handler and mcp reads the claims that server's auth
// middleware stores, so both import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kibitz/internal/auth"
	"github.com/ashita-ai/kibitz/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// RoleFromContext returns the caller's role. Requests that carry no claims
// were admitted with auth disabled and act as operators.
func RoleFromContext(ctx context.Context) model.Role {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Role
	}
	return model.RoleOperator
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
