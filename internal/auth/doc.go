// Package auth provides password authentication and session tokens for fleet.
//
// # Users and Sessions
//
// Users are rows in the realm they belong to, keyed by user name, with a
// bcrypt password hash. Logging in creates a session row in the same realm:
//
//	token, err := svc.Login(ctx, "default", "admin", password)
//
// # Tokens
//
// Tokens are HS256 JWTs signed with the configured jwt_secret. They carry
// the user name (sub), the realm (realm) and the session id (sid):
//
//	id, err := svc.Authenticate(ctx, token)
//
// Authenticate checks the signature, then the session row, so Logout revokes
// a token immediately even though it has not expired.
//
// # HTTP Middleware
//
//	mux.Handle("/api/", HTTPAuthMiddleware(svc)(handler))
//
// Handlers read the identity with FromContext. Admins of the default realm
// may act on every realm; other users only on their own.
package auth
