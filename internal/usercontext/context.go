// Package usercontext carries the caller identity resolved by the
// fronting gateway through request contexts.
package usercontext

import "context"

// Identity describes the authenticated caller. Privileged accounts
// bypass balance checks and balance mutation.
type Identity struct {
	UserID     string
	Privileged bool
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, false
	}
	return id, true
}
