// Package context holds request-scoped values shared between the admin API
// middleware and the components it drives.
package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ActorKey is the context key for the authenticated administrator
	ActorKey ContextKey = "actor"
	// SourceIPKey is the context key for the caller's address
	SourceIPKey ContextKey = "source_ip"
)

// WithActor records the administrator performing the request.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ExtractActor extracts the administrator from the request context
func ExtractActor(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(ActorKey).(string)
	return actor, ok && actor != ""
}

// WithSourceIP records the caller's address.
func WithSourceIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, SourceIPKey, ip)
}

// ExtractSourceIP extracts the caller's address from the request context
func ExtractSourceIP(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(SourceIPKey).(string)
	return ip, ok && ip != ""
}
