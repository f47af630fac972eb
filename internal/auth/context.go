package auth

import (
	"context"
)

type contextKey string

const identityContextKey contextKey = "identity"

// DefaultUserID is the user every request maps to when identity
// enforcement is off and user_id overrides are disabled.
const DefaultUserID = "default"

// Identity is the caller resolved by the auth middleware.
type Identity struct {
	// UserID keys the session registry and the per-user data directory.
	UserID string
	// Subject is the Keycloak token subject. Empty when enforcement is off.
	Subject string
}

// WithIdentity adds an Identity to the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext retrieves the Identity from the context
func IdentityFromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// UserIDFromContext returns the resolved user id, falling back to
// DefaultUserID when no middleware ran.
func UserIDFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil && id.UserID != "" {
		return id.UserID
	}
	return DefaultUserID
}
