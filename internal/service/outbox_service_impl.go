package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/dlq"
	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/metrics"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/tracing"
)

const (
	instrumentationName = "github.com/Lizaveta3333/liza-backend/internal/service"
	gcBatchSize         = 1000

	defaultPublishTimeout = 10 * time.Second
)

// PublisherConfig tunes one publisher loop.
type PublisherConfig struct {
	// Owner identifies this loop's leases; it must be unique per loop.
	Owner           string
	Topic           string
	BatchSize       int
	PollInterval    time.Duration
	Lease           time.Duration
	RetryCeiling    int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ShutdownTimeout time.Duration
	Retention       time.Duration
	GCInterval      time.Duration
}

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	publisher  bus.Publisher
	deadLetter dlq.Sink
	cfg        PublisherConfig
	now        func() time.Time
	tracer     trace.Tracer

	connBackoff *backoff.ExponentialBackOff
}

// OutboxOption configures an OutboxServiceImpl.
type OutboxOption func(*OutboxServiceImpl)

// WithOutboxClock overrides the publisher clock.
func WithOutboxClock(now func() time.Time) OutboxOption {
	return func(s *OutboxServiceImpl) { s.now = now }
}

// WithDeadLetter sets where events that exhaust their retries are recorded.
func WithDeadLetter(sink dlq.Sink) OutboxOption {
	return func(s *OutboxServiceImpl) { s.deadLetter = sink }
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	publisher bus.Publisher,
	cfg PublisherConfig,
	opts ...OutboxOption,
) OutboxService {
	s := &OutboxServiceImpl{
		outboxRepo:  outboxRepo,
		publisher:   publisher,
		deadLetter:  dlq.Discard{},
		cfg:         cfg,
		now:         time.Now,
		tracer:      tracing.Tracer(instrumentationName),
		connBackoff: newExponentialBackOff(cfg.BackoffBase, cfg.BackoffCap),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run publishes batches until ctx is done. A full batch is followed
// immediately by the next one; otherwise the loop waits for the poll tick.
// Broker outages pause the loop with a growing delay.
func (s *OutboxServiceImpl) Run(ctx context.Context) error {
	log := slog.With(slog.String("owner", s.cfg.Owner))
	log.Info("outbox publisher started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("batch_size", s.cfg.BatchSize),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var gcTick <-chan time.Time

	if s.cfg.GCInterval > 0 {
		gcTicker := time.NewTicker(s.cfg.GCInterval)
		defer gcTicker.Stop()

		gcTick = gcTicker.C
	}

	defer s.releaseAll()

	for {
		n, err := s.ProcessBatch(ctx)
		if ctx.Err() != nil {
			log.Info("outbox publisher stopped")
			return nil
		}

		switch {
		case errors.Is(err, bus.ErrUnavailable):
			delay := nextDelay(s.connBackoff, s.cfg.BackoffCap)
			log.Warn("broker unavailable, pausing publisher",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)

			if sleepContext(ctx, delay) != nil {
				log.Info("outbox publisher stopped")
				return nil
			}

			continue
		case err != nil:
			log.Error("error processing outbox events", slog.String("error", err.Error()))
		case n >= s.cfg.BatchSize:
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
		case <-gcTick:
			if _, err := s.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
				log.Error("outbox garbage collection failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ProcessBatch claims up to BatchSize events and publishes them in id order.
// An event whose publish did not succeed holds back the rest of its
// aggregate in this batch. A broker outage stops the batch and returns an
// error wrapping bus.ErrUnavailable. Before each publish the lease must
// outlast the publish timeout; it is renewed when it does not, and an
// event whose lease was lost is skipped with the rest of its aggregate.
func (s *OutboxServiceImpl) ProcessBatch(ctx context.Context) (int, error) {
	now := s.now()

	events, err := s.outboxRepo.Claim(ctx, &model.ClaimParams{
		Owner:      s.cfg.Owner,
		Now:        now,
		LeaseUntil: now.Add(s.cfg.Lease),
		Limit:      s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	if len(events) == 0 {
		return 0, nil
	}

	blocked := make(map[string]bool)

	var (
		unsent    []int64
		brokerErr error
	)

	for i, event := range events {
		if ctx.Err() != nil || brokerErr != nil {
			for _, rest := range events[i:] {
				unsent = append(unsent, rest.ID)
			}

			break
		}

		if blocked[event.AggregateID] {
			unsent = append(unsent, event.ID)
			continue
		}

		if err := s.holdLease(ctx, event); err != nil {
			blocked[event.AggregateID] = true

			if !errors.Is(err, model.ErrLeaseLost) {
				unsent = append(unsent, event.ID)
			}

			continue
		}

		err := s.publishEvent(ctx, event)
		switch {
		case err == nil:
			s.connBackoff.Reset()
		case errors.Is(err, bus.ErrUnavailable):
			brokerErr = err
			unsent = append(unsent, event.ID)
		default:
			blocked[event.AggregateID] = true
		}
	}

	if len(unsent) > 0 {
		releaseCtx, cancel := s.detached(ctx)
		defer cancel()

		if err := s.outboxRepo.ReleaseClaims(releaseCtx, s.cfg.Owner, unsent...); err != nil {
			slog.Error("failed to release outbox claims",
				slog.String("owner", s.cfg.Owner),
				slog.Int("count", len(unsent)),
				slog.String("error", err.Error()),
			)
		}
	}

	return len(events), brokerErr
}

// CollectGarbage deletes acknowledged events older than the retention period
// and refreshes the per-status gauge.
func (s *OutboxServiceImpl) CollectGarbage(ctx context.Context) (int64, error) {
	before := s.now().Add(-s.cfg.Retention)

	var total int64

	for {
		n, err := s.outboxRepo.DeleteAcknowledged(ctx, before, gcBatchSize)
		if err != nil {
			return total, err
		}

		total += n

		if n < gcBatchSize {
			break
		}
	}

	if total > 0 {
		slog.Info("deleted acknowledged outbox events", slog.Int64("count", total))
	}

	counts, err := s.outboxRepo.CountByStatus(ctx)
	if err != nil {
		return total, err
	}

	for _, status := range []model.EventStatus{
		model.EventStatusPending, model.EventStatusPublished, model.EventStatusAcknowledged, model.EventStatusFailed,
	} {
		metrics.EventsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	return total, nil
}

// publishEvent sends one event. Status is written only after the broker
// acknowledged it; a rejection schedules a retry or fails the event.
func (s *OutboxServiceImpl) publishEvent(ctx context.Context, event *model.OutboxEvent) error {
	ctx, span := s.tracer.Start(ctx, string(event.EventType)+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("outbox.event_id", event.ID),
			attribute.String("outbox.aggregate_id", event.AggregateID),
			attribute.Int("outbox.attempt", event.AttemptCount+1),
		),
	)
	defer span.End()

	log := logger.From(ctx).With(
		slog.Int64("event_id", event.ID),
		slog.String("aggregate_id", event.AggregateID),
		slog.String("event_type", string(event.EventType)),
	)

	value, err := json.Marshal(event.Envelope())
	if err != nil {
		return s.reject(ctx, log, event, fmt.Errorf("%w: %w", bus.ErrRejected, err))
	}

	headers := map[string]string{
		bus.HeaderEventID:     strconv.FormatInt(event.ID, 10),
		bus.HeaderEventType:   string(event.EventType),
		bus.HeaderAggregateID: event.AggregateID,
		bus.HeaderDedupKey:    event.DedupKey(),
	}
	tracing.Inject(ctx, headers)

	// The broker call and the status writes after it survive cancellation
	// of ctx, bounded by the shutdown timeout.
	pubCtx, cancel := s.detached(ctx)
	defer cancel()

	start := time.Now()
	err = s.publisher.Publish(pubCtx, bus.Message{
		Topic:   s.cfg.Topic,
		Key:     event.AggregateID,
		Value:   value,
		Headers: headers,
	})
	metrics.PublishLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if !errors.Is(err, bus.ErrRejected) {
			metrics.BrokerUnavailable.Inc()

			if !errors.Is(err, bus.ErrUnavailable) {
				err = fmt.Errorf("%w: %w", bus.ErrUnavailable, err)
			}

			return err
		}

		return s.reject(pubCtx, log, event, err)
	}

	at := s.now()
	if err := s.outboxRepo.MarkPublished(pubCtx, s.cfg.Owner, event.ID, at); err != nil {
		logMarkError(log, "failed to mark event published", err)
		return err
	}

	if err := s.outboxRepo.MarkAcknowledged(pubCtx, s.cfg.Owner, event.ID, at); err != nil {
		logMarkError(log, "failed to mark event acknowledged", err)
		return err
	}

	metrics.Published.Inc()
	log.Debug("published event", slog.String("topic", s.cfg.Topic))

	return nil
}

// reject counts a failed attempt. At the retry ceiling the event becomes
// Failed and is pushed to the dead-letter list.
func (s *OutboxServiceImpl) reject(ctx context.Context, log *slog.Logger, event *model.OutboxEvent, cause error) error {
	attempts := event.AttemptCount + 1
	reason := cause.Error()
	now := s.now()

	if attempts >= s.cfg.RetryCeiling {
		if err := s.outboxRepo.MarkFailed(ctx, s.cfg.Owner, event.ID, reason, now); err != nil {
			logMarkError(log, "failed to mark event failed", err)
			return errors.Join(cause, err)
		}

		metrics.Failed.Inc()

		dead := *event
		dead.AttemptCount = attempts

		if err := s.deadLetter.Push(ctx, &dead, reason); err != nil {
			log.Error("failed to push event to DLQ", slog.String("error", err.Error()))
		} else {
			metrics.DLQCount.Inc()
		}

		log.Error("outbox event failed permanently",
			slog.Int("attempts", attempts),
			slog.String("error", reason),
		)

		return cause
	}

	delay := retryDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, attempts)
	if err := s.outboxRepo.ScheduleRetry(ctx, s.cfg.Owner, event.ID, reason, now.Add(delay)); err != nil {
		logMarkError(log, "failed to schedule retry", err)
		return errors.Join(cause, err)
	}

	metrics.Retried.Inc()
	log.Warn("broker rejected event, retry scheduled",
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay),
		slog.String("error", reason),
	)

	return cause
}

// holdLease makes sure the lease on event outlasts one publish, renewing it
// for another Lease period when it does not.
func (s *OutboxServiceImpl) holdLease(ctx context.Context, event *model.OutboxEvent) error {
	now := s.now()
	if event.LeaseUntil != nil && event.LeaseUntil.Sub(now) >= s.publishTimeout() {
		return nil
	}

	until := now.Add(s.cfg.Lease)
	if err := s.outboxRepo.RenewLease(ctx, s.cfg.Owner, event.ID, until); err != nil {
		level := slog.LevelError
		if errors.Is(err, model.ErrLeaseLost) {
			level = slog.LevelWarn
		}

		slog.Log(ctx, level, "outbox lease not renewed, skipping event",
			slog.String("owner", s.cfg.Owner),
			slog.Int64("event_id", event.ID),
			slog.String("aggregate_id", event.AggregateID),
			slog.String("error", err.Error()),
		)

		return err
	}

	event.LeaseUntil = &until

	return nil
}

func logMarkError(log *slog.Logger, msg string, err error) {
	if errors.Is(err, model.ErrLeaseLost) {
		log.Warn(msg+", lease taken over by another publisher", slog.String("error", err.Error()))
		return
	}

	log.Error(msg, slog.String("error", err.Error()))
}

func (s *OutboxServiceImpl) releaseAll() {
	ctx, cancel := s.detached(context.Background())
	defer cancel()

	if err := s.outboxRepo.ReleaseClaims(ctx, s.cfg.Owner); err != nil {
		slog.Error("failed to release outbox claims on shutdown",
			slog.String("owner", s.cfg.Owner),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OutboxServiceImpl) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout())
}

func (s *OutboxServiceImpl) publishTimeout() time.Duration {
	if s.cfg.ShutdownTimeout <= 0 {
		return defaultPublishTimeout
	}

	return s.cfg.ShutdownTimeout
}
