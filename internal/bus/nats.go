package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes to JetStream. The dedup key is sent as the
// Nats-Msg-Id so the stream drops duplicates inside its dedup window.
type NATSPublisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSPublisher connects to url and makes sure a stream captures topic.
func NewNATSPublisher(url, topic string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, unavailable(err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	if err := ensureStream(js, topic); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSPublisher{nc: nc, js: js}, nil
}

// Publish sends msg and waits for the JetStream PubAck.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Value

	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if id := msg.Headers[HeaderDedupKey]; id != "" {
		opts = append(opts, nats.MsgId(id))
	}

	_, err := p.js.PublishMsg(m, opts...)

	return classifyNATSError(err)
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

func classifyNATSError(err error) error {
	if err == nil {
		return nil
	}

	var jsErr nats.JetStreamError
	if errors.As(err, &jsErr) && jsErr.APIError() != nil {
		return rejected(err)
	}

	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return rejected(err)
	}

	return unavailable(err)
}

// NATSSubscriber consumes a JetStream subject with a durable consumer.
type NATSSubscriber struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	durable string
}

// NewNATSSubscriber connects to url; durable names the JetStream consumer.
func NewNATSSubscriber(url, durable string) (*NATSSubscriber, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSSubscriber{nc: nc, js: js, durable: durable}, nil
}

// Consume acks messages the handler accepted and naks the rest until ctx is done.
func (s *NATSSubscriber) Consume(ctx context.Context, topic string, handler Handler) error {
	if err := ensureStream(s.js, topic); err != nil {
		return err
	}

	sub, err := s.js.Subscribe(topic, func(m *nats.Msg) {
		headers := make(map[string]string, len(m.Header))
		for k := range m.Header {
			headers[k] = m.Header.Get(k)
		}

		msg := Message{Topic: m.Subject, Key: headers[HeaderAggregateID], Value: m.Data, Headers: headers}

		if err := handler(ctx, msg); err != nil {
			_ = m.Nak()
			return
		}

		_ = m.Ack()
	}, nats.Durable(s.durable), nats.ManualAck(), nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	<-ctx.Done()

	return sub.Unsubscribe()
}

// Close drains the connection.
func (s *NATSSubscriber) Close() error {
	return s.nc.Drain()
}

func ensureStream(js nats.JetStreamContext, topic string) error {
	name := streamName(topic)

	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{Name: name, Subjects: []string{topic}}); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	return nil
}

func streamName(topic string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '-':
			return '_'
		}

		return r
	}, topic))
}
