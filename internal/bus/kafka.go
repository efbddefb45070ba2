package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// NewSaramaConfig returns the producer and consumer settings shared by the
// Kafka driver: idempotent writes acknowledged by all in-sync replicas.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Net.MaxOpenRequests = 1
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Metadata.Retry.Max = 5
	cfg.Metadata.Retry.Backoff = 2 * time.Second

	return cfg
}

// KafkaPublisher publishes with a sarama SyncProducer, keyed by aggregate id
// so one aggregate always lands on one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher connects a sync producer to brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, unavailable(err)
	}

	return NewKafkaPublisherFromProducer(producer), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish sends msg and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   msg.Topic,
		Key:     sarama.StringEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	})

	return classifyKafkaError(err)
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

var retriableKafkaErrors = []sarama.KError{
	sarama.ErrUnknownTopicOrPartition,
	sarama.ErrLeaderNotAvailable,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrRequestTimedOut,
	sarama.ErrBrokerNotAvailable,
	sarama.ErrReplicaNotAvailable,
	sarama.ErrNetworkException,
	sarama.ErrNotEnoughReplicas,
	sarama.ErrNotEnoughReplicasAfterAppend,
	sarama.ErrNotController,
	sarama.ErrKafkaStorageError,
}

func classifyKafkaError(err error) error {
	if err == nil {
		return nil
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		for _, r := range retriableKafkaErrors {
			if kerr == r {
				return unavailable(err)
			}
		}

		return rejected(err)
	}

	var cfgErr sarama.ConfigurationError
	if errors.As(err, &cfgErr) {
		return rejected(err)
	}

	return unavailable(err)
}

// KafkaSubscriber consumes a topic as a member of a consumer group.
type KafkaSubscriber struct {
	group sarama.ConsumerGroup
}

// NewKafkaSubscriber joins groupID on brokers.
func NewKafkaSubscriber(brokers []string, groupID string) (*KafkaSubscriber, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewSaramaConfig())
	if err != nil {
		return nil, err
	}

	return &KafkaSubscriber{group: group}, nil
}

// Consume runs group sessions until ctx is done. Offsets are marked only
// for messages the handler accepted.
func (s *KafkaSubscriber) Consume(ctx context.Context, topic string, handler Handler) error {
	go func() {
		for err := range s.group.Errors() {
			slog.Error("kafka consumer group error", slog.String("error", err.Error()))
		}
	}()

	h := &groupHandler{handle: handler}

	for {
		if err := s.group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}

			slog.Error("kafka consume error", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (s *KafkaSubscriber) Close() error {
	return s.group.Close()
}

type groupHandler struct {
	handle Handler
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (*groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for m := range claim.Messages() {
		headers := make(map[string]string, len(m.Headers))
		for _, rh := range m.Headers {
			headers[string(rh.Key)] = string(rh.Value)
		}

		msg := Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value, Headers: headers}

		if err := h.handle(sess.Context(), msg); err != nil {
			slog.Error("consumer handler error",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)

			continue
		}

		sess.MarkMessage(m, "")
	}

	return nil
}
