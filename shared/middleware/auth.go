package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"social-media-microservices/shared/authx"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/userx"
)

// AuthMiddleware requires a verified bearer token and records the caller in
// the request context.
type AuthMiddleware struct {
	Verifier authx.Verifier
	Logger   logx.Logger
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		token, err := authx.BearerToken(r)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, authx.ErrMissingToken) {
				msg = "missing bearer token"
			}
			m.Logger.Warn(r.Context(), "auth_rejected", msg,
				slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
				slog.String("path", r.URL.Path),
			)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msg, nil)
			return
		}
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			m.Logger.Warn(r.Context(), "auth_rejected", "invalid token",
				slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
				slog.String("path", r.URL.Path),
			)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		ctx = userx.WithUser(ctx, userx.User{ID: auth.UserID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
