package mqx

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"social-media-microservices/shared/config"
)

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(config.Config{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestNewProducerHashesKeys(t *testing.T) {
	p, err := NewProducer(config.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaRetryMax: 0, KafkaWriteMS: 10})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()
	if _, ok := p.writer.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected hash balancer, got %T", p.writer.Balancer)
	}
	if p.writer.RequiredAcks != kafka.RequireAll || p.writer.MaxAttempts != 1 {
		t.Fatalf("unexpected writer settings: acks=%v attempts=%d", p.writer.RequiredAcks, p.writer.MaxAttempts)
	}
}

func TestNewConsumerRequiresGroup(t *testing.T) {
	cfg := config.Config{KafkaBrokers: []string{"localhost:9092"}}
	if _, err := NewConsumer(cfg, "post.deleted", ""); err == nil {
		t.Fatalf("expected error without group")
	}
}

func TestPingFailsWithoutBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Ping(ctx, []string{"127.0.0.1:1"}); err == nil {
		t.Fatalf("expected unreachable broker error")
	}
	if err := Ping(ctx, nil); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestExtractTraceReadsHeaders(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{{Key: "event_id", Value: []byte("x")}}}
	if ctx := ExtractTrace(context.Background(), msg); ctx == nil {
		t.Fatalf("expected context")
	}
}
