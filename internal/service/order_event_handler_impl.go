package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/metrics"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/tracing"
)

// DefaultDedupTTL is how long a processed dedup key is remembered.
const DefaultDedupTTL = 7 * 24 * time.Hour

// ErrInvalidEnvelope is returned for messages that are not order events.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// OrderEventHandlerImpl processes order events once per dedup key.
type OrderEventHandlerImpl struct {
	dedup  repository.DedupStore
	ttl    time.Duration
	apply  func(ctx context.Context, envelope *model.EventEnvelope, payload *model.OrderEventPayload) error
	tracer trace.Tracer
}

// NewOrderEventHandlerImpl creates a handler. apply is called for every event
// seen for the first time; nil only logs the event.
func NewOrderEventHandlerImpl(
	dedup repository.DedupStore,
	ttl time.Duration,
	apply func(ctx context.Context, envelope *model.EventEnvelope, payload *model.OrderEventPayload) error,
) *OrderEventHandlerImpl {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	if apply == nil {
		apply = logOrderEvent
	}

	return &OrderEventHandlerImpl{
		dedup:  dedup,
		ttl:    ttl,
		apply:  apply,
		tracer: tracing.Tracer(instrumentationName),
	}
}

// HandleMessage decodes a bus message and handles it. It has the bus.Handler
// signature.
func (h *OrderEventHandlerImpl) HandleMessage(ctx context.Context, msg bus.Message) error {
	ctx = tracing.Extract(ctx, msg.Headers)

	ctx, span := h.tracer.Start(ctx, "order event consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var envelope model.EventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		metrics.ConsumerProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	return h.Handle(ctx, &envelope)
}

// Handle processes envelope unless its dedup key was already processed.
func (h *OrderEventHandlerImpl) Handle(ctx context.Context, envelope *model.EventEnvelope) error {
	log := logger.From(ctx).With(
		slog.String("dedup_key", envelope.DedupKey),
		slog.String("event_type", string(envelope.EventType)),
	)

	if envelope.DedupKey == "" || !envelope.EventType.Valid() {
		metrics.ConsumerProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: missing dedup key or unknown event type %q", ErrInvalidEnvelope, envelope.EventType)
	}

	var payload model.OrderEventPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		metrics.ConsumerProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	first, err := h.dedup.MarkProcessed(ctx, envelope.DedupKey, h.ttl)
	if err != nil {
		return fmt.Errorf("failed to check dedup key: %w", err)
	}

	if !first {
		metrics.ConsumerProcessed.WithLabelValues("duplicate").Inc()
		log.Debug("skipping duplicate event")

		return nil
	}

	if err := h.apply(ctx, envelope, &payload); err != nil {
		metrics.ConsumerProcessed.WithLabelValues("error").Inc()

		if forgetErr := h.dedup.Forget(context.WithoutCancel(ctx), envelope.DedupKey); forgetErr != nil {
			log.Error("failed to release dedup key", slog.String("error", forgetErr.Error()))
		}

		return err
	}

	metrics.ConsumerProcessed.WithLabelValues("processed").Inc()

	return nil
}

func logOrderEvent(ctx context.Context, envelope *model.EventEnvelope, payload *model.OrderEventPayload) error {
	logger.From(ctx).Info("order event processed",
		slog.Int64("event_id", envelope.EventID),
		slog.String("event_type", string(envelope.EventType)),
		slog.Int64("order_id", payload.OrderID),
		slog.String("status", string(payload.Status)),
		slog.Int("quantity", payload.Quantity),
	)

	return nil
}
