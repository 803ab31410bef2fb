// Package relay re-publishes outbox events that the request path could not
// deliver. A scheduled scan claims due rows and fans them out as dispatch
// tasks; each dispatch publishes one event with its original event id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"social-media-microservices/post/internal/models"
	"social-media-microservices/post/internal/repos"
	"social-media-microservices/shared/events"
	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
)

const (
	TaskScan     = "outbox.scan"
	TaskDispatch = "outbox.dispatch"

	staleClaim = 2 * time.Minute
)

type Outbox interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Release(ctx context.Context, eventID uuid.UUID) error
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Publisher interface {
	PublishEnvelope(ctx context.Context, key string, env events.Envelope) error
}

type Options struct {
	Owner       string
	Queue       string
	BatchSize   int
	MaxAttempts int
}

type Relay struct {
	outbox    Outbox
	publisher Publisher
	enqueuer  Enqueuer
	opts      Options
	logger    logx.Logger
	now       func() time.Time
}

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

func New(outbox Outbox, publisher Publisher, enqueuer Enqueuer, opts Options, logger logx.Logger) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		enqueuer:  enqueuer,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Relay) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskScan, r.HandleScan)
	mux.HandleFunc(TaskDispatch, r.HandleDispatch)
}

func NewScanTask(queue string) *asynq.Task {
	return asynq.NewTask(TaskScan, nil, asynq.Queue(queue))
}

func (r *Relay) HandleScan(ctx context.Context, _ *asynq.Task) error {
	if released, err := r.outbox.ReleaseStale(ctx, staleClaim); err != nil {
		r.logger.Warn(ctx, "outbox_release_failed", "failed to release stale outbox claims", logx.Err("INTERNAL_ERROR", err)...)
	} else if released > 0 {
		r.logger.Info(ctx, "outbox_released", "released stale outbox claims", slog.Int64("count", released))
	}

	claimed, err := r.outbox.ClaimPending(ctx, r.opts.Owner, r.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("claim outbox: %w", err)
	}
	metricsx.SetOutboxPending(len(claimed))

	for _, event := range claimed {
		payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
		task := asynq.NewTask(TaskDispatch, payload)
		_, err := r.enqueuer.EnqueueContext(ctx, task, asynq.Queue(r.opts.Queue), asynq.TaskID(dispatchTaskID(event)), asynq.MaxRetry(0))
		switch {
		case err == nil:
		case errors.Is(err, asynq.ErrTaskIDConflict):
			// Leaving the row in sending would strand it until the stale sweep.
			if err := r.outbox.Release(ctx, event.EventID); err != nil {
				r.logger.Error(ctx, "outbox_release_failed", "failed to release outbox claim",
					append([]slog.Attr{slog.String("event_id", event.EventID.String())}, logx.Err("INTERNAL_ERROR", err)...)...)
			}
		default:
			r.logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				append([]slog.Attr{slog.String("event_id", event.EventID.String())}, logx.Err("INTERNAL_ERROR", err)...)...)
			r.fail(ctx, event, err)
		}
	}
	return nil
}

// dispatchTaskID is unique per claim. Dispatch tasks run with MaxRetry(0) and
// are archived on failure, so a fixed id would reject every later attempt.
func dispatchTaskID(event models.OutboxEvent) string {
	id := fmt.Sprintf("outbox:%s:%d", event.EventID, event.Attempts)
	if event.LockedAt != nil {
		id += fmt.Sprintf(":%d", event.LockedAt.UnixNano())
	}
	return id
}

func (r *Relay) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, TaskDispatch)
	span.SetAttributes(attribute.String("queue", r.opts.Queue))
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode dispatch payload: %v: %w", err, asynq.SkipRetry)
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return fmt.Errorf("parse event id: %v: %w", err, asynq.SkipRetry)
	}
	event, err := r.outbox.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load outbox event %s: %w", eventID, err)
	}
	if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
		return nil
	}

	env, err := events.ParseEnvelope(event.Payload)
	if err != nil {
		r.logger.Error(ctx, "outbox_malformed", "outbox payload is not an event envelope",
			append([]slog.Attr{slog.String("event_id", eventID.String())}, logx.Err("INTERNAL_ERROR", err)...)...)
		_ = r.outbox.MarkFailed(ctx, eventID, event.Attempts+1, nil, err.Error(), true)
		return nil
	}
	span.SetAttributes(attribute.String("event_type", string(env.EventType)))

	if err := r.publisher.PublishEnvelope(ctx, event.AggregateID, env); err != nil {
		// The row carries the retry schedule; asynq must not retry on its own.
		r.fail(ctx, event, err)
		return fmt.Errorf("publish %s: %v: %w", eventID, err, asynq.SkipRetry)
	}
	if err := r.outbox.MarkDelivered(ctx, eventID); err != nil {
		return fmt.Errorf("mark delivered %s: %w", eventID, err)
	}
	r.logger.Info(ctx, "outbox_delivered", "outbox event delivered",
		slog.String("event_id", eventID.String()),
		slog.String("event_type", string(env.EventType)),
		slog.Int("attempts", event.Attempts+1),
	)
	return nil
}

func (r *Relay) fail(ctx context.Context, event models.OutboxEvent, cause error) {
	attempts := event.Attempts + 1
	nextRetry := r.now().Add(RetryDelay(attempts))
	dead := attempts >= r.opts.MaxAttempts
	if err := r.outbox.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		r.logger.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			append([]slog.Attr{slog.String("event_id", event.EventID.String())}, logx.Err("INTERNAL_ERROR", err)...)...)
		return
	}
	if dead {
		r.logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.Int("attempts", attempts),
		)
	}
}

// RetryDelay grows quadratically from 5s and caps at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
