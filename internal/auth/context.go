// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/2389/fleet/internal/database"
)

// AuthContext holds the authenticated identity of a request. It is populated
// by the HTTP middleware and read by handlers.
type AuthContext struct {
	Username  string
	Realm     database.RealmName
	SessionID database.DataIdentifier
	Admin     bool
}

// CanAccess reports whether the identity may act on realm. Admins of the
// default realm may act on every realm.
func (a *AuthContext) CanAccess(realm database.RealmName) bool {
	if a.Realm == realm {
		return true
	}
	return a.Admin && a.Realm == database.DefaultRealm
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
