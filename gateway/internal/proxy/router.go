// Package proxy is the gateway's front door: it rate limits, resolves the
// route, authenticates when the route asks for it, and forwards the request
// to the owning backend exactly once.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"social-media-microservices/gateway/internal/routing"
	"social-media-microservices/shared/authx"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/userx"
)

type Options struct {
	Table    routing.Table
	Verifier authx.Verifier
	// Limiter is the global per-client policy. Nil disables limiting.
	Limiter    middleware.Allower
	Logger     logx.Logger
	TrustProxy bool
	// Transport defaults to a clone of http.DefaultTransport.
	Transport http.RoundTripper
}

type Router struct {
	table    routing.Table
	logger   logx.Logger
	routes   map[string]http.Handler
	pipeline http.Handler
}

type startKey struct{}

func New(opts Options) (*Router, error) {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport = otelhttp.NewTransport(transport)

	r := &Router{
		table:  opts.Table,
		logger: opts.Logger,
		routes: map[string]http.Handler{},
	}
	auth := middleware.AuthMiddleware{Verifier: opts.Verifier, Logger: opts.Logger}
	for _, route := range opts.Table.Routes() {
		raw, ok := opts.Table.BackendURL(route.Backend)
		if !ok {
			return nil, fmt.Errorf("route %q: backend %q not configured", route.Name, route.Backend)
		}
		target, err := url.Parse(raw)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("route %q: invalid backend url %q", route.Name, raw)
		}
		var h http.Handler = r.forwarder(route, target, transport)
		if route.Auth {
			if opts.Verifier == nil {
				return nil, errors.New("auth routes require a verifier")
			}
			h = auth.Wrap(h)
		}
		r.routes[route.Name] = h
	}

	resolve := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route, ok := r.table.Resolve(req.URL.Path)
		if !ok {
			httpx.WriteError(w, req, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
			return
		}
		r.routes[route.Name].ServeHTTP(w, req)
	})
	r.pipeline = middleware.RateLimitMiddleware{
		Limiter:    opts.Limiter,
		Logger:     opts.Logger,
		TrustProxy: opts.TrustProxy,
	}.Wrap(resolve)
	return r, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.pipeline.ServeHTTP(w, req)
}

func (r *Router) forwarder(route routing.Route, target *url.URL, transport http.RoundTripper) http.Handler {
	rp := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = route.Rewrite(pr.In.URL.Path)
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = target.Host
			pr.SetXForwarded()

			pr.Out.Header.Del(userx.Header)
			if auth, ok := authx.FromContext(pr.In.Context()); ok && route.Auth {
				pr.Out.Header.Set(userx.Header, auth.UserID)
			}
			if id := httpx.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-ID", id)
			}
			if !keepContentType(route.BodyMode, pr.In.Header.Get("Content-Type")) {
				pr.Out.Header.Set("Content-Type", "application/json")
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			ctx := resp.Request.Context()
			elapsed := sinceStart(ctx)
			metricsx.ObserveUpstream(route.Name, resp.StatusCode, elapsed)
			r.logger.Info(ctx, "upstream_response", "upstream responded",
				slog.String("route", route.Name),
				slog.String("backend", route.Backend),
				slog.String("upstream_path", resp.Request.URL.Path),
				slog.Int("upstream_status", resp.StatusCode),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			metricsx.IncUpstreamError(route.Name)
			r.logger.Error(req.Context(), "upstream_failed", "upstream request failed",
				append([]slog.Attr{
					slog.String("route", route.Name),
					slog.String("backend", route.Backend),
				}, logx.Err("UPSTREAM_ERROR", err)...)...)
			httpx.WriteError(w, req, http.StatusInternalServerError, "UPSTREAM_ERROR", "internal server error", nil)
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// A client that hangs up must not abort a forwarded write.
		ctx := context.WithValue(context.WithoutCancel(req.Context()), startKey{}, time.Now())
		rp.ServeHTTP(w, req.WithContext(ctx))
	})
}

func keepContentType(mode routing.BodyMode, contentType string) bool {
	if mode != routing.BodyMultipart || contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "multipart/form-data"
}

func sinceStart(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startKey{}).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}
