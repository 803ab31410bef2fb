package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"social-media-microservices/shared/logx"
	"social-media-microservices/shared/metricsx"
)

// Sink is the broker side of a Publisher. mqx.Producer satisfies it.
type Sink interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Publisher struct {
	sink     Sink
	producer string
	logger   logx.Logger
	now      func() time.Time
}

func NewPublisher(sink Sink, producer string, logger logx.Logger) *Publisher {
	return &Publisher{sink: sink, producer: producer, logger: logger, now: time.Now}
}

// Publish wraps p in a fresh envelope and writes it. It returns once the
// broker has the message; no consumer is waited for.
func (p *Publisher) Publish(ctx context.Context, payload Payload) (Envelope, error) {
	env, err := NewEnvelope(p.producer, payload, p.now())
	if err != nil {
		return Envelope{}, err
	}
	return env, p.PublishEnvelope(ctx, payload.EntityID(), env)
}

// PublishEnvelope writes an already built envelope. The outbox relay uses it
// to resend with the original event id.
func (p *Publisher) PublishEnvelope(ctx context.Context, key string, env Envelope) error {
	if p == nil || p.sink == nil {
		return errors.New("publisher not initialized")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	headers := map[string]string{
		"event_id":   env.EventID.String(),
		"event_type": string(env.EventType),
		"producer":   env.Producer,
	}
	if err := p.sink.Publish(ctx, env.EventType.Topic(), []byte(key), value, headers); err != nil {
		metricsx.IncEventPublished(string(env.EventType), false)
		attrs := append([]slog.Attr{
			slog.String("event_id", env.EventID.String()),
			slog.String("event_type", string(env.EventType)),
		}, logx.Err("PUBLISH_FAILED", err)...)
		p.logger.Error(ctx, "event_publish_failed", "failed to publish event", attrs...)
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}
	metricsx.IncEventPublished(string(env.EventType), true)
	p.logger.Info(ctx, "event_published", "event published",
		slog.String("event_id", env.EventID.String()),
		slog.String("event_type", string(env.EventType)),
		slog.String("key", key),
	)
	return nil
}
