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
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"social-media-microservices/search/internal/handlers"
	"social-media-microservices/search/internal/repos"
	"social-media-microservices/search/internal/service"
	"social-media-microservices/shared/cachex"
	"social-media-microservices/shared/config"
	"social-media-microservices/shared/dbx"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/httpx"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
	"social-media-microservices/shared/middleware"
	"social-media-microservices/shared/mqx"
	"social-media-microservices/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg, logx.Err("FAILED_PRECONDITION", err)...)
	os.Exit(1)
}

func main() {
	cfg, readyProblems := config.Load("search-service", 3004)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()
	shutdownTracer := observability.Setup(context.Background(), cfg, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	dbPool, err := dbx.NewPool(cfg)
	if err == nil {
		err = dbx.Ping(startCtx, dbPool)
	}
	if err != nil {
		fatal(logger, "db_init_failed", "db init failed", err)
	}
	if err := dbx.EnsureSchema(startCtx, dbPool, repos.Schema...); err != nil {
		fatal(logger, "db_init_failed", "schema init failed", err)
	}
	cache, err := cachex.New(cfg)
	if err == nil {
		err = cache.Ping(startCtx)
	}
	if err != nil {
		fatal(logger, "redis_init_failed", "redis init failed", err)
	}
	if err := mqx.Ping(startCtx, cfg.KafkaBrokers); err != nil {
		fatal(logger, "kafka_init_failed", "kafka unreachable", err)
	}
	cancelStart()

	resultCache := cachex.NewEntityCache(cache, "search-result", "search",
		time.Duration(cfg.SearchCacheTTLSec)*time.Second,
		time.Duration(cfg.SearchCacheTTLSec)*time.Second,
	)
	svc := service.New(repos.NewDocumentsRepo(dbPool), resultCache, logger)
	table, err := svc.Handlers()
	if err != nil {
		fatal(logger, "consumer_init_failed", "event handlers invalid", err)
	}
	subscriber := events.NewSubscriber(cfg.ServiceName, func(topic string, group string) (events.Source, error) {
		reader, err := mqx.NewConsumer(cfg, topic, group)
		if err != nil {
			return nil, err
		}
		return reader, nil
	}, events.NewRedisInbox(cache.Client(), time.Minute, 7*24*time.Hour), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: invalid configuration",
				map[string]any{"problems": readyProblems})
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	handlers.Handlers{Search: svc, Logger: logger}.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	infra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.UserMiddleware{Skip: infra}.Wrap(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{
		SkipPaths:  map[string]bool{"/healthz": true, "/metrics": true},
		TrustProxy: cfg.TrustProxy,
	}, handler)
	handler = otelhttp.NewHandler(handler, "search-service")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	consumeCtx, stopConsumers := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	var consumers sync.WaitGroup
	consumers.Add(1)
	go func() {
		defer consumers.Done()
		if err := subscriber.Run(consumeCtx, table); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("search_cache_ttl_seconds", cfg.SearchCacheTTLSec),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", logx.Err("INTERNAL_ERROR", err)...)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	stopConsumers()
	consumers.Wait()
	_ = cache.Close()
	dbPool.Close()
	shutdownTracer()
	logger.Info(context.Background(), "service_stop", "service stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
