package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	// EventStatusPending means the event is waiting to be published.
	EventStatusPending EventStatus = "pending"
	// EventStatusPublished means the bus acknowledged the write.
	EventStatusPublished EventStatus = "published"
	// EventStatusAcknowledged means delivery is recorded and the row may be collected.
	EventStatusAcknowledged EventStatus = "acknowledged"
	// EventStatusFailed means retries were exhausted; an operator must requeue it.
	EventStatusFailed EventStatus = "failed"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusPublished, EventStatusAcknowledged, EventStatusFailed:
		return true
	}

	return false
}

// Terminal reports whether no publisher will touch an event in this status again.
func (s EventStatus) Terminal() bool {
	return s == EventStatusAcknowledged || s == EventStatusFailed
}

// Transition checks moving from s to next. It returns changed=false for
// replays of a state the event has already reached, and ErrInvalidTransition
// for moves that skip a state or leave a terminal state.
func (s EventStatus) Transition(next EventStatus) (changed bool, err error) {
	switch s {
	case EventStatusPending:
		switch next {
		case EventStatusPending:
			return false, nil
		case EventStatusPublished, EventStatusFailed:
			return true, nil
		}
	case EventStatusPublished:
		switch next {
		case EventStatusPublished:
			return false, nil
		case EventStatusAcknowledged, EventStatusFailed:
			return true, nil
		}
	case EventStatusAcknowledged:
		switch next {
		case EventStatusPublished, EventStatusAcknowledged:
			return false, nil
		}
	case EventStatusFailed:
		if next == EventStatusFailed {
			return false, nil
		}
	}

	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
}

// OrderEventType enumerates the order lifecycle events put on the bus.
type OrderEventType string

const (
	// OrderEventCreated is emitted when an order is placed.
	OrderEventCreated OrderEventType = "order.created"
	// OrderEventUpdated is emitted for any other order change.
	OrderEventUpdated OrderEventType = "order.updated"
	// OrderEventCancelled is emitted when an order is cancelled.
	OrderEventCancelled OrderEventType = "order.cancelled"
	// OrderEventFulfilled is emitted when an order is completed.
	OrderEventFulfilled OrderEventType = "order.fulfilled"
)

// Valid reports whether t is a known event type.
func (t OrderEventType) Valid() bool {
	switch t {
	case OrderEventCreated, OrderEventUpdated, OrderEventCancelled, OrderEventFulfilled:
		return true
	}

	return false
}

// OutboxEvent represents an outbox event for reliable message delivery.
type OutboxEvent struct {
	ID             int64          `json:"id"`
	AggregateID    string         `json:"aggregate_id"`
	EventType      OrderEventType `json:"event_type"`
	Payload        []byte         `json:"payload"`
	Status         EventStatus    `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	LeaseOwner     string         `json:"lease_owner,omitempty"`
	LeaseUntil     *time.Time     `json:"lease_until,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
}

// DedupKey is the stable key consumers deduplicate on.
func (e *OutboxEvent) DedupKey() string {
	return e.AggregateID + ":" + strconv.FormatInt(e.ID, 10)
}

// CreateOutboxEventParams represents parameters for creating a new outbox event.
type CreateOutboxEventParams struct {
	AggregateID string
	EventType   OrderEventType
	Payload     []byte
}

// Validate validates the create outbox event parameters.
func (p *CreateOutboxEventParams) Validate() error {
	if p.AggregateID == "" {
		return fmt.Errorf("%w: aggregate id is required", ErrTransactionFailure)
	}

	if !p.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrTransactionFailure, p.EventType)
	}

	return nil
}

// ClaimParams selects outbox events for a publisher lease.
type ClaimParams struct {
	Owner      string
	Now        time.Time
	LeaseUntil time.Time
	Limit      int
}

// EventEnvelope is the message body written to the bus.
type EventEnvelope struct {
	EventID     int64           `json:"event_id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   OrderEventType  `json:"event_type"`
	DedupKey    string          `json:"dedup_key"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Envelope builds the bus envelope for e.
func (e *OutboxEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		EventID:     e.ID,
		AggregateID: e.AggregateID,
		EventType:   e.EventType,
		DedupKey:    e.DedupKey(),
		OccurredAt:  e.CreatedAt,
		Payload:     e.Payload,
	}
}
