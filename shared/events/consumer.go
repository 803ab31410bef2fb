package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
	"social-media-microservices/shared/mqx"
)

// Source is the queue a Consumer drains. *kafka.Reader satisfies it.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type statsSource interface {
	Stats() kafka.ReaderStats
}

const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
	resultDropped   = "dropped"
	resultBusy      = "busy"
)

// Consumer feeds one queue to one handler, one message at a time. A message
// is committed after its handler returns whatever the outcome, so a failing
// event is logged and dropped rather than redelivered. A message whose inbox
// claim is held elsewhere is not committed; Run retries it until the claim is
// released or expires.
type Consumer struct {
	source  Source
	handler Handler
	inbox   Inbox
	group   string
	logger  logx.Logger
	backoff time.Duration
}

func NewConsumer(source Source, handler Handler, inbox Inbox, group string, logger logx.Logger) *Consumer {
	return &Consumer{
		source:  source,
		handler: handler,
		inbox:   inbox,
		group:   group,
		logger:  logger.With(slog.String("group", group), slog.String("event_type", string(handler.Kind()))),
		backoff: 500 * time.Millisecond,
	}
}

func (c *Consumer) Group() string { return c.group }

func (c *Consumer) Kind() Kind { return c.handler.Kind() }

// Run blocks until ctx is cancelled. A message already fetched is processed
// to completion even if ctx is cancelled meanwhile.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "consumer_start", "event consumer started", slog.String("topic", c.handler.Kind().Topic()))
	defer c.logger.Info(context.Background(), "consumer_stop", "event consumer stopped")

	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message", logx.Err("INTERNAL_ERROR", err)...)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		for !c.Process(context.WithoutCancel(ctx), msg) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
		}

		if s, ok := c.source.(statsSource); ok {
			stats := s.Stats()
			metricsx.SetKafkaLag(stats.Topic, c.group, stats.Lag)
		}
	}
}

// Process applies one message and commits it. It returns false, leaving the
// message uncommitted, when another holder owns the event's inbox claim.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) bool {
	ctx, span := otel.Tracer("mqx").Start(mqx.ExtractTrace(ctx, msg), "kafka.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", msg.Topic),
		attribute.String("messaging.kafka.consumer_group", c.group),
	)
	defer span.End()

	result := c.apply(ctx, msg)
	metricsx.IncEventConsumed(string(c.handler.Kind()), c.group, result)
	if result == resultBusy {
		return false
	}

	if err := c.source.CommitMessages(ctx, msg); err != nil {
		c.logger.Error(ctx, "kafka_commit_failed", "failed to commit message", logx.Err("INTERNAL_ERROR", err)...)
	}
	return true
}

func (c *Consumer) apply(ctx context.Context, msg kafka.Message) string {
	env, err := ParseEnvelope(msg.Value)
	if err != nil {
		c.logger.Error(ctx, "event_decode_failed", "dropping undecodable message",
			append([]slog.Attr{slog.Int64("offset", msg.Offset)}, logx.Err("INVALID_ARGUMENT", err)...)...)
		return resultDropped
	}
	attrs := []slog.Attr{slog.String("event_id", env.EventID.String())}
	if env.EventType != c.handler.Kind() {
		c.logger.Error(ctx, "event_kind_mismatch", "dropping event of unexpected kind",
			append(attrs, slog.String("got", string(env.EventType)))...)
		return resultDropped
	}

	claim := Claim{State: ClaimAcquired}
	if c.inbox != nil {
		claim, err = c.inbox.Claim(ctx, c.group, env.EventID)
		if err != nil {
			c.logger.Warn(ctx, "inbox_unavailable", "inbox unavailable, applying without dedupe",
				append(attrs, logx.Err("INBOX_ERROR", err)...)...)
			claim = Claim{State: ClaimAcquired}
		}
	}
	switch claim.State {
	case ClaimProcessed:
		c.logger.Info(ctx, "event_duplicate", "event already processed", attrs...)
		return resultDuplicate
	case ClaimBusy:
		c.logger.Debug(ctx, "event_in_flight", "event claimed elsewhere, waiting for release", attrs...)
		return resultBusy
	}

	err = c.safeHandle(ctx, env)
	if c.inbox != nil {
		if ferr := c.inbox.Finish(ctx, claim, err == nil); ferr != nil {
			c.logger.Warn(ctx, "inbox_finish_failed", "failed to record event outcome",
				append(attrs, logx.Err("INBOX_ERROR", ferr)...)...)
		}
	}
	if err != nil {
		c.logger.Error(ctx, "event_handle_failed", "failed to handle event",
			append(attrs, logx.Err("INTERNAL_ERROR", err)...)...)
		return resultFailed
	}
	c.logger.Info(ctx, "event_handled", "event handled", attrs...)
	return resultApplied
}

func (c *Consumer) safeHandle(ctx context.Context, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return c.handler.Handle(ctx, env)
}
