// Package dlq records outbox events that exhausted their retries on a Redis list.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// Message is the JSON document pushed for each dead event.
type Message struct {
	At          time.Time            `json:"at"`
	EventID     int64                `json:"event_id"`
	AggregateID string               `json:"aggregate_id"`
	EventType   model.OrderEventType `json:"event_type"`
	Attempts    int                  `json:"attempts"`
	Error       string               `json:"error"`
	Payload     json.RawMessage      `json:"payload"`
}

// Sink receives dead events.
type Sink interface {
	Push(ctx context.Context, event *model.OutboxEvent, reason string) error
}

// Client pushes dead events onto a Redis list.
type Client struct {
	cli rueidis.Client
	key string
}

// New creates a Client writing to key.
func New(cli rueidis.Client, key string) *Client {
	if key == "" {
		key = "dlq"
	}

	return &Client{cli: cli, key: key}
}

// Push LPUSHes event with its failure reason.
func (c *Client) Push(ctx context.Context, event *model.OutboxEvent, reason string) error {
	msg := Message{
		At:          time.Now().UTC(),
		EventID:     event.ID,
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Attempts:    event.AttemptCount,
		Error:       reason,
		Payload:     json.RawMessage(event.Payload),
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	if err := c.cli.Do(ctx, c.cli.B().Lpush().Key(c.key).Element(string(b)).Build()).Error(); err != nil {
		return fmt.Errorf("redis DLQ push failed: %w", err)
	}

	return nil
}

// Discard drops dead events. It backs the memory store driver when no
// Redis is configured.
type Discard struct{}

// Push does nothing.
func (Discard) Push(context.Context, *model.OutboxEvent, string) error { return nil }
