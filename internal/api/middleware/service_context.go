// Package middleware provides HTTP middleware components for Fletcher's API.
package middleware

import (
	"context"
)

// serviceContextKey is the context key for authenticated caller information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type serviceContextKey struct{}

// ServiceContext contains the authenticated remote service enriched into the
// request context by the bearer authentication middleware.
type ServiceContext struct {
	// Service is the `sub` claim of the verified bearer token, identifying
	// the calling remote service (e.g. "dbt-runner").
	Service string

	// Roles are the authorization scopes granted to this service.
	Roles []string
}

// HasRole reports whether the authenticated service carries the given role.
func (s ServiceContext) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// GetServiceContext extracts the service context from the request context.
// Returns (context, true) if authenticated, (empty, false) if not found.
func GetServiceContext(ctx context.Context) (ServiceContext, bool) {
	svcCtx, ok := ctx.Value(serviceContextKey{}).(ServiceContext)

	return svcCtx, ok
}

// SetServiceContext adds a service context to the request context.
func SetServiceContext(ctx context.Context, svcCtx ServiceContext) context.Context {
	return context.WithValue(ctx, serviceContextKey{}, svcCtx)
}
