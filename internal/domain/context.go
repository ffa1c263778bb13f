package domain

import "context"

type identityKey struct{}

// Identity is the verified caller handed to the service by the identity provider.
// TenantID scopes every connection and query record.
type Identity struct {
	TenantID string
	UserID   string
	Email    string
}

// WithIdentity stores an Identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the Identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireIdentity returns the caller's identity or an AccessDeniedError.
func RequireIdentity(ctx context.Context) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.TenantID == "" || id.UserID == "" {
		return Identity{}, ErrAccessDenied("authentication required")
	}
	return id, nil
}
