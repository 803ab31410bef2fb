package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"social-media-microservices/shared/logx"
)

// ReaderFactory opens the queue for one consumer group on one topic.
type ReaderFactory func(topic string, group string) (Source, error)

// Subscriber binds a service's handlers to queues. Each (service, kind) pair
// gets its own consumer group, so services never compete for each other's
// messages and each keeps its own offsets.
type Subscriber struct {
	service   string
	newReader ReaderFactory
	inbox     Inbox
	logger    logx.Logger
}

func NewSubscriber(service string, newReader ReaderFactory, inbox Inbox, logger logx.Logger) *Subscriber {
	return &Subscriber{service: service, newReader: newReader, inbox: inbox, logger: logger}
}

func GroupName(service string, kind Kind) string {
	return strings.TrimSpace(service) + "." + string(kind)
}

func (s *Subscriber) Subscribe(h Handler) (*Consumer, error) {
	group := GroupName(s.service, h.Kind())
	source, err := s.newReader(h.Kind().Topic(), group)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", group, err)
	}
	return NewConsumer(source, h, s.inbox, group, s.logger), nil
}

// Run subscribes every handler in t and blocks until ctx is done and all
// consumers have stopped. Queues are closed on return.
func (s *Subscriber) Run(ctx context.Context, t *Table) error {
	consumers := make([]*Consumer, 0, len(t.handlers))
	for _, h := range t.Handlers() {
		c, err := s.Subscribe(h)
		if err != nil {
			for _, opened := range consumers {
				_ = opened.source.Close()
			}
			return err
		}
		consumers = append(consumers, c)
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			_ = c.Run(ctx)
		}(c)
	}
	wg.Wait()

	for _, c := range consumers {
		if err := c.source.Close(); err != nil {
			c.logger.Warn(context.Background(), "kafka_close_failed", "failed to close reader", logx.Err("INTERNAL_ERROR", err)...)
		}
	}
	return nil
}
