//go:build kafka

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type kafkaBroker struct {
	w *kafka.Writer
}

func openKafka(cfg Config) (Broker, error) {
	brokers := parseBrokerList(cfg.URL)
	if len(brokers) == 0 {
		return nil, errors.New("broker: kafka url must be a comma-separated list of brokers")
	}
	// Synchronous writes with full acks: the outbox cursor only
	// advances after Publish returns, so an async writer would lose
	// events on crash.
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &kafkaBroker{w: w}, nil
}

func (b *kafkaBroker) Publish(ctx context.Context, key string, value []byte) error {
	msg := kafka.Message{Value: value}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := b.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("broker: kafka publish: %w", err)
	}
	return nil
}

func (b *kafkaBroker) Close() error {
	if b == nil || b.w == nil {
		return nil
	}
	return b.w.Close()
}

func parseBrokerList(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
