package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veilcash-tools/veil-scan/internal/broker"
	"github.com/veilcash-tools/veil-scan/internal/events"
	"github.com/veilcash-tools/veil-scan/internal/store"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Publisher drains the store's outbox to the broker, at least once, in
// per-key order, tracking a durable cursor per key. It iterates outbox
// key ids rather than registered keys so that the final events of a
// deregistered key still go out.
type Publisher struct {
	st store.Store
	br broker.Broker

	pollInterval time.Duration
	batchSize    int
}

func New(st store.Store, br broker.Broker, cfg Config) (*Publisher, error) {
	if st == nil {
		return nil, errors.New("publisher: store is nil")
	}
	if br == nil {
		return nil, errors.New("publisher: broker is nil")
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 5000 {
		batchSize = 1000
	}

	return &Publisher{
		st:           st,
		br:           br,
		pollInterval: poll,
		batchSize:    batchSize,
	}, nil
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if err := p.publishOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Publisher) publishOnce(ctx context.Context) error {
	keyIDs, err := p.st.ListOutboxKeyIDs(ctx)
	if err != nil {
		return fmt.Errorf("publisher: list outbox keys: %w", err)
	}

	for _, keyID := range keyIDs {
		cursor, err := p.st.KeyEventPublishCursor(ctx, keyID)
		if err != nil {
			return err
		}

		for {
			evs, nextCursor, err := p.st.ListKeyEvents(ctx, keyID, cursor, p.batchSize)
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				break
			}

			for _, e := range evs {
				env := broker.Envelope{
					Version: events.Version,
					Kind:    e.Kind,
					KeyID:   keyID,
					Height:  e.Height,
					Payload: e.Payload,
				}
				value, err := json.Marshal(env)
				if err != nil {
					return fmt.Errorf("publisher: marshal envelope: %w", err)
				}

				key := eventKey(keyID, e.Payload)
				if err := p.br.Publish(ctx, key, value); err != nil {
					return err
				}

				cursor = e.ID
				if err := p.st.SetKeyEventPublishCursor(ctx, keyID, cursor); err != nil {
					return err
				}
			}

			cursor = nextCursor
		}
	}

	return nil
}

// eventKey keeps events for one transaction on one partition; events
// without a txid fall back to the key id.
func eventKey(keyID string, payload json.RawMessage) string {
	var tx struct {
		TxID string `json:"txid"`
	}
	if err := json.Unmarshal(payload, &tx); err == nil && tx.TxID != "" {
		return tx.TxID
	}
	return keyID
}
