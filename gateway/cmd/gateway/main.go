package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"social-media-microservices/gateway/internal/proxy"
	"social-media-microservices/gateway/internal/routing"
	"social-media-microservices/shared/authx"
	"social-media-microservices/shared/cachex"
	"social-media-microservices/shared/config"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/observability"
	"social-media-microservices/shared/ratelimit"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load(config.GatewayService, 3000)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()
	shutdownTracer := observability.Setup(context.Background(), cfg, logger)

	cache, err := cachex.New(cfg)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = cache.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	limiter, err := ratelimit.New(cache.Client(), ratelimit.Policy{
		Name:   "global",
		Limit:  cfg.RateLimitMax,
		Window: cfg.RateLimitWindow(),
	})
	if err != nil {
		logger.Error(context.Background(), "rate_limit_init_failed", "rate limiter init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		logger.Error(context.Background(), "auth_init_failed", "token verifier init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer verifier.Stop()

	table, routesPath, err := loadRoutes(cfg)
	if err != nil {
		logger.Error(context.Background(), "routes_init_failed", "route table init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	router, err := proxy.New(proxy.Options{
		Table:      table,
		Verifier:   verifier,
		Limiter:    limiter,
		Logger:     logger,
		TrustProxy: cfg.TrustProxy,
	})
	if err != nil {
		logger.Error(context.Background(), "routes_init_failed", "router init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		problems := append([]config.Problem(nil), readyProblems...)
		if err := cache.Ping(r.Context()); err != nil {
			problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "redis unreachable"})
		}
		if len(problems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready", map[string]any{"problems": problems})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.Handle("/", router)

	var handler http.Handler = mux
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 10 * time.Minute}.Wrap(handler)
	security := middleware.SecurityHeadersMiddleware{}
	if cfg.Env == "production" {
		security.HSTSMaxAge = 180 * 24 * 60 * 60
	}
	handler = security.Wrap(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{
		SkipPaths:  map[string]bool{"/healthz": true, "/metrics": true},
		TrustProxy: cfg.TrustProxy,
	}, handler)
	handler = otelhttp.NewHandler(handler, "gateway")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.String("log_level", cfg.LogLevel),
			slog.String("routes_path", routesPath),
			slog.Int("rate_limit_max", cfg.RateLimitMax),
			slog.Int("rate_limit_window_seconds", cfg.RateLimitWindowSec),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", logx.Err("INTERNAL_ERROR", err)...)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	_ = cache.Close()
	shutdownTracer()
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// buildVerifier prefers OIDC when an issuer is configured and falls back to
// the identity service's shared HS256 secret.
func buildVerifier(cfg config.Config) (*authx.CachedVerifier, error) {
	var next authx.Verifier
	if cfg.OIDCIssuer != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			return nil, err
		}
		next = v
	} else {
		v, err := authx.NewHMACVerifier(cfg.JWTSecret, cfg.JWTClockSkewSec)
		if err != nil {
			return nil, err
		}
		next = v
	}
	return authx.NewCachedVerifier(next, time.Duration(cfg.TokenCacheTTLSec)*time.Second), nil
}

func loadRoutes(cfg config.Config) (routing.Table, string, error) {
	backends := map[string]string{
		"identity": cfg.IdentityServiceURL,
		"post":     cfg.PostServiceURL,
		"media":    cfg.MediaServiceURL,
		"search":   cfg.SearchServiceURL,
	}
	path := strings.TrimSpace(cfg.GatewayRoutesPath)
	if path == "" {
		if p, ok := routing.DefaultRoutesPath(cfg.Env); ok {
			path = p
		}
	}
	if path == "" {
		table, err := routing.New(routing.Default(), backends)
		return table, "builtin", err
	}
	table, err := routing.Load(path, backends)
	return table, path, err
}
