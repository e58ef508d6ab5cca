package auth

import (
	"context"
	"strings"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Roles  []string
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	p.UserID = strings.TrimSpace(p.UserID)
	p.Roles = dedupeRoles(p.Roles)
	return context.WithValue(ctx, principalContextKey{}, &p)
}

// ContextWithUser is shorthand for ContextWithPrincipal.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return ContextWithPrincipal(ctx, Principal{UserID: userID, Roles: roles})
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	out := *v
	out.Roles = append([]string(nil), v.Roles...)
	return out, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}

// HasRole reports whether the caller holds role or a role ranked above it.
func HasRole(ctx context.Context, role string) bool {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return false
	}
	return p.Allows(role)
}
