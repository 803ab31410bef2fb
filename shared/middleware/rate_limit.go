package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
	"social-media-microservices/shared/ratelimit"
)

// Allower is satisfied by *ratelimit.Limiter.
type Allower interface {
	Allow(ctx context.Context, clientKey string) (ratelimit.Decision, error)
	Policy() ratelimit.Policy
}

// RateLimitMiddleware counts every request against a fixed window keyed by
// client IP. Rejected requests never reach next.
type RateLimitMiddleware struct {
	Limiter    Allower
	Logger     logx.Logger
	TrustProxy bool
	Skip       func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		policy := m.Limiter.Policy()
		key := httpx.ClientIP(r, m.TrustProxy)
		if key == "" {
			key = "unknown"
		}

		decision, err := m.Limiter.Allow(r.Context(), key)
		if err != nil {
			metricsx.IncRateLimitStoreFailure(policy.Name)
			m.Logger.Warn(r.Context(), "rate_limit_store_failed", "rate limit store unavailable, allowing request",
				append([]slog.Attr{
					slog.String("policy", policy.Name),
					slog.String("client_ip", key),
				}, logx.Err("FAILED_PRECONDITION", err)...)...)
			next.ServeHTTP(w, r)
			return
		}

		reset := strconv.Itoa(ceilSeconds(decision.ResetAfter))
		w.Header().Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("RateLimit-Reset", reset)

		if !decision.Allowed {
			metricsx.IncRateLimitRejection(policy.Name)
			m.Logger.Warn(r.Context(), "rate_limit_exceeded", "rate limit exceeded",
				slog.String("policy", policy.Name),
				slog.String("client_ip", key),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("count", decision.Count),
			)
			w.Header().Set("Retry-After", reset)
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
