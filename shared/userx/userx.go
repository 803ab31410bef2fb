package userx

import (
	"context"
	"strings"
)

// Header carries the verified caller identity from the gateway to the
// services behind it. Services trust it because only the gateway can reach
// them.
const Header = "X-User-Id"

type contextKey struct{}

type User struct {
	ID string
}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

func FromContext(ctx context.Context) (User, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if u, ok := v.(User); ok && strings.TrimSpace(u.ID) != "" {
			return u, true
		}
	}
	return User{}, false
}

func UserIDFromContext(ctx context.Context) string {
	if u, ok := FromContext(ctx); ok {
		return u.ID
	}
	return ""
}
