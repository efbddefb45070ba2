// Package bus abstracts the message broker the outbox publisher writes to.
//
// Every driver reports failures as one of two classes: ErrUnavailable when
// the broker could not be reached or asked to retry, and ErrRejected when
// the broker refused this particular message.
package bus

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks transient broker failures. The message was not
	// accepted and may be sent again unchanged.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrRejected marks failures caused by the message itself.
	ErrRejected = errors.New("broker rejected message")
)

// Header names set on every published message.
const (
	HeaderEventID     = "event_id"
	HeaderEventType   = "event_type"
	HeaderAggregateID = "aggregate_id"
	HeaderDedupKey    = "dedup_key"
)

// Message is a single record written to or read from a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher writes messages to the broker. Publish returns nil only after
// the broker acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes a consumed message. A nil error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages of a topic to a handler until ctx is done.
type Subscriber interface {
	Consume(ctx context.Context, topic string, handler Handler) error
	Close() error
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func rejected(err error) error {
	return fmt.Errorf("%w: %w", ErrRejected, err)
}
