package middleware

import (
	"net/http"
	"strings"

	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/userx"
)

// UserMiddleware trusts the caller id the gateway injected. Services sit
// behind the gateway, so the header is never client controlled.
type UserMiddleware struct {
	Skip func(*http.Request) bool
}

func (m UserMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		userID := strings.TrimSpace(r.Header.Get(userx.Header))
		if userID == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required", nil)
			return
		}
		ctx := userx.WithUser(r.Context(), userx.User{ID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
