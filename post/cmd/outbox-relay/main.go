package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"social-media-microservices/post/internal/relay"
	"social-media-microservices/post/internal/repos"
	"social-media-microservices/shared/config"
	"social-media-microservices/shared/dbx"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
	"social-media-microservices/shared/mqx"
	"social-media-microservices/shared/observability"
)

func main() {
	cfg, problems := config.Load("outbox-relay", 3012)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	shutdownTracer := observability.Setup(context.Background(), cfg, logger)
	defer shutdownTracer()

	dbPool, err := dbx.NewPool(cfg)
	if err == nil {
		err = dbx.Ping(context.Background(), dbPool)
	}
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := mqx.Ping(context.Background(), cfg.KafkaBrokers); err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka unreachable", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer producer.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	hostname, _ := os.Hostname()
	r := relay.New(
		repos.NewOutboxRepo(dbPool),
		events.NewPublisher(producer, "post-service", logger),
		client,
		relay.Options{
			Owner:       cfg.ServiceName + "@" + hostname,
			Queue:       cfg.AsynqQueue,
			BatchSize:   cfg.OutboxBatchSize,
			MaxAttempts: cfg.OutboxMaxAttempts,
		},
		logger,
	)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	mux := asynq.NewServeMux()
	r.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", relay.NewScanTask(cfg.AsynqQueue)); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed", logx.Err("INTERNAL_ERROR", err)...)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	if err := server.Start(mux); err != nil {
		logger.Error(context.Background(), "worker_failed", "worker failed", logx.Err("INTERNAL_ERROR", err)...)
		os.Exit(1)
	}
	defer server.Shutdown()

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
				if err != nil {
					continue
				}
				metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
			}
		}
	}()

	logger.Info(context.Background(), "worker_start", "outbox relay started",
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
		slog.Int("scan_interval_seconds", cfg.OutboxScanSec),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	close(stop)
	logger.Info(context.Background(), "worker_stop", "outbox relay stopped")
}
