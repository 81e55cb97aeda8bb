// Package broker abstracts the message bus that scan events are
// published to. Concrete drivers are compiled in behind build tags
// (kafka, nats, rabbitmq) so a binary only links the client it ships
// with.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Broker is a fire-and-forget publisher. Key is a partitioning hint;
// drivers without partitions carry it as message metadata.
type Broker interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

type Config struct {
	Driver string
	URL    string
	Topic  string
}

// Open returns nil, nil when the driver is "none" or empty; publishing
// is optional and the caller skips the publisher entirely in that case.
func Open(ctx context.Context, cfg Config) (Broker, error) {
	_ = ctx

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}

	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("broker: url is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("broker: topic is required")
	}

	switch driver {
	case "kafka":
		return openKafka(cfg)
	case "nats":
		return openNATS(cfg)
	case "rabbitmq":
		return openRabbitMQ(cfg)
	default:
		return nil, fmt.Errorf("broker: unsupported driver %q", cfg.Driver)
	}
}
