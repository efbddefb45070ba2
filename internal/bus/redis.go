package bus

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/rueidis"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	redisReadCount    = 10
	errorRetryDelay   = time.Second
)

// Stream entry fields besides the headers.
const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// RedisPublisher appends messages to a Redis stream named after the topic.
type RedisPublisher struct {
	client rueidis.Client
}

// NewRedisPublisher wraps client.
func NewRedisPublisher(client rueidis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish appends msg with XADD.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	fv := p.client.B().Xadd().Key(msg.Topic).Id("*").FieldValue().
		FieldValue(fieldKey, msg.Key).
		FieldValue(fieldPayload, string(msg.Value))

	for k, v := range msg.Headers {
		fv = fv.FieldValue(k, v)
	}

	return classifyRedisError(p.client.Do(ctx, fv.Build()).Error())
}

// Close is a no-op; the client is owned by the caller.
func (*RedisPublisher) Close() error {
	return nil
}

func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}

	if rerr, ok := rueidis.IsRedisErr(err); ok {
		msg := rerr.Error()
		if rerr.IsTryAgain() || rerr.IsClusterDown() ||
			strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "OOM") {
			return unavailable(err)
		}

		return rejected(err)
	}

	return unavailable(err)
}

// RedisSubscriber reads a stream through a consumer group with XREADGROUP.
type RedisSubscriber struct {
	client   rueidis.Client
	group    string
	consumer string
}

// NewRedisSubscriber creates a subscriber reading as consumer within group.
func NewRedisSubscriber(client rueidis.Client, group, consumer string) *RedisSubscriber {
	return &RedisSubscriber{client: client, group: group, consumer: consumer}
}

// Consume creates the consumer group if needed and processes entries until
// ctx is done. Entries the handler fails stay pending in the group.
func (s *RedisSubscriber) Consume(ctx context.Context, topic string, handler Handler) error {
	createCmd := s.client.B().XgroupCreate().Key(topic).Group(s.group).Id("0").Mkstream().Build()
	if err := s.client.Do(ctx, createCmd).Error(); err != nil {
		slog.Debug("consumer group creation result (may already exist)", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.consumeOnce(ctx, topic, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			slog.Error("error consuming messages", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorRetryDelay):
			}
		}
	}
}

// Close is a no-op; the client is owned by the caller.
func (*RedisSubscriber) Close() error {
	return nil
}

func (s *RedisSubscriber) consumeOnce(ctx context.Context, topic string, handler Handler) error {
	readCmd := s.client.B().Xreadgroup().Group(s.group, s.consumer).
		Count(redisReadCount).
		Block(redisBlockTimeout).
		Streams().
		Key(topic).
		Id(">").
		Build()

	streams, err := s.client.Do(ctx, readCmd).AsXRead()
	if rueidis.IsRedisNil(err) {
		return nil
	}

	if err != nil {
		return err
	}

	for _, entry := range streams[topic] {
		msg := entryToMessage(topic, entry)

		if err := handler(ctx, msg); err != nil {
			slog.Error("failed to process message",
				slog.String("message_id", entry.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		ackCmd := s.client.B().Xack().Key(topic).Group(s.group).Id(entry.ID).Build()
		if err := s.client.Do(ctx, ackCmd).Error(); err != nil {
			slog.Error("failed to ACK message",
				slog.String("message_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func entryToMessage(topic string, entry rueidis.XRangeEntry) Message {
	headers := make(map[string]string, len(entry.FieldValues))

	for k, v := range entry.FieldValues {
		if k == fieldKey || k == fieldPayload {
			continue
		}

		headers[k] = v
	}

	return Message{
		Topic:   topic,
		Key:     entry.FieldValues[fieldKey],
		Value:   []byte(entry.FieldValues[fieldPayload]),
		Headers: headers,
	}
}
