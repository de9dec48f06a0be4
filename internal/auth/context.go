package auth

import "context"

type contextKey string

const userKey contextKey = "authenticated_user"

// AuthenticatedUser is everything a handler needs about the caller once the Session
// Guard has validated the session cookie: just the user id. There is no role or claim
// set in this domain — every authorization decision downstream is "does this resource
// belong to this user id", not a permission check.
type AuthenticatedUser struct {
	ID string
}

// WithAuthenticatedUser returns a context carrying the authenticated caller.
func WithAuthenticatedUser(ctx context.Context, u *AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// AuthenticatedUserFromContext returns the authenticated caller, or nil if the request
// reached this point without passing the Session Guard (e.g. a public endpoint).
func AuthenticatedUserFromContext(ctx context.Context) *AuthenticatedUser {
	v := ctx.Value(userKey)
	if v == nil {
		return nil
	}
	u, _ := v.(*AuthenticatedUser)
	return u
}
