package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository/memory"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

func publisherConfig(owner string) service.PublisherConfig {
	return service.PublisherConfig{
		Owner:           owner,
		Topic:           "order-events",
		BatchSize:       10,
		PollInterval:    10 * time.Millisecond,
		Lease:           30 * time.Second,
		RetryCeiling:    3,
		BackoffBase:     time.Second,
		BackoffCap:      4 * time.Second,
		ShutdownTimeout: time.Second,
		Retention:       time.Hour,
	}
}

func newPublisher(
	store *memory.Store, b bus.Publisher, clock *testClock, owner string, opts ...service.OutboxOption,
) service.OutboxService {
	opts = append([]service.OutboxOption{service.WithOutboxClock(clock.Now)}, opts...)

	return service.NewOutboxServiceImpl(store.Outbox(), b, publisherConfig(owner), opts...)
}

func requireStatus(t *testing.T, store *memory.Store, id int64, want model.EventStatus) *model.OutboxEvent {
	t.Helper()

	e, err := store.Outbox().Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, e.Status, "event %d", id)

	return e
}

func TestProcessBatch_PublishesAndAcknowledges(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "1", "2")

	b := &fakeBus{}
	svc := newPublisher(store, b, clock, "w1")

	n, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := b.messages()
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, "order-events", first.Topic)
	assert.Equal(t, "1", first.Key)
	assert.Equal(t, "1", first.Headers[bus.HeaderEventID])
	assert.Equal(t, string(model.OrderEventUpdated), first.Headers[bus.HeaderEventType])
	assert.Equal(t, "1", first.Headers[bus.HeaderAggregateID])
	assert.Equal(t, "1:1", first.Headers[bus.HeaderDedupKey])

	var envelope model.EventEnvelope
	require.NoError(t, json.Unmarshal(first.Value, &envelope))
	assert.Equal(t, int64(1), envelope.EventID)
	assert.Equal(t, "1:1", envelope.DedupKey)
	assert.JSONEq(t, `{"note":"1"}`, string(envelope.Payload))

	for _, id := range []int64{1, 2} {
		e := requireStatus(t, store, id, model.EventStatusAcknowledged)
		assert.NotNil(t, e.PublishedAt)
		assert.NotNil(t, e.AcknowledgedAt)
		assert.Empty(t, e.LeaseOwner)
	}

	n, err = svc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessBatch_BrokerUnavailableThenRecovers(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "1", "1", "2")

	b := &fakeBus{}
	b.setFail(func(bus.Message) error {
		return fmt.Errorf("%w: connection refused", bus.ErrUnavailable)
	})

	svc := newPublisher(store, b, clock, "w1")

	for range 5 {
		_, err := svc.ProcessBatch(context.Background())
		require.ErrorIs(t, err, bus.ErrUnavailable)
	}

	for _, id := range []int64{1, 2, 3} {
		e := requireStatus(t, store, id, model.EventStatusPending)
		assert.Zero(t, e.AttemptCount, "outages do not count as attempts")
		assert.Empty(t, e.LeaseOwner, "claims are released after an outage")
	}

	b.setFail(nil)

	n, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []int64{1, 2, 3} {
		requireStatus(t, store, id, model.EventStatusAcknowledged)
	}

	assert.Equal(t, []int64{1, 2}, b.eventIDs("1"))
}

func TestProcessBatch_UnclassifiedErrorIsTreatedAsOutage(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "1")

	b := &fakeBus{}
	b.setFail(func(bus.Message) error { return errors.New("broken pipe") })

	svc := newPublisher(store, b, clock, "w1")

	_, err := svc.ProcessBatch(context.Background())
	require.ErrorIs(t, err, bus.ErrUnavailable)

	e := requireStatus(t, store, 1, model.EventStatusPending)
	assert.Zero(t, e.AttemptCount)
}

func TestProcessBatch_RejectedUntilRetryCeiling(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "1")

	b := &fakeBus{}
	b.setFail(func(bus.Message) error {
		return fmt.Errorf("%w: message too large", bus.ErrRejected)
	})

	sink := &recordingSink{}
	svc := newPublisher(store, b, clock, "w1", service.WithDeadLetter(sink))

	for attempt := 1; attempt < 3; attempt++ {
		_, err := svc.ProcessBatch(context.Background())
		require.NoError(t, err)

		e := requireStatus(t, store, 1, model.EventStatusPending)
		assert.Equal(t, attempt, e.AttemptCount)
		assert.Contains(t, e.LastError, "message too large")
		assert.True(t, e.NextAttemptAt.After(clock.Now()), "retry is scheduled in the future")
		assert.False(t, e.NextAttemptAt.After(clock.Now().Add(4*time.Second)), "retry delay is capped")

		n, err := svc.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n, "event in backoff is not claimed")

		clock.Advance(4 * time.Second)
	}

	_, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)

	e := requireStatus(t, store, 1, model.EventStatusFailed)
	assert.Equal(t, 3, e.AttemptCount)
	assert.NotNil(t, e.FailedAt)

	dead := sink.all()
	require.Len(t, dead, 1)
	assert.Equal(t, int64(1), dead[0].event.ID)
	assert.Equal(t, 3, dead[0].event.AttemptCount)
	assert.Contains(t, dead[0].reason, "message too large")

	clock.Advance(time.Hour)

	n, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "failed events are never claimed again")

	require.NoError(t, store.Outbox().Requeue(context.Background(), 1, clock.Now()))
	b.setFail(nil)

	_, err = svc.ProcessBatch(context.Background())
	require.NoError(t, err)
	requireStatus(t, store, 1, model.EventStatusAcknowledged)
}

func TestProcessBatch_RejectionHoldsBackLaterEventsOfAggregate(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "a", "a", "b")

	rejectedOnce := false
	b := &fakeBus{}
	b.setFail(func(msg bus.Message) error {
		if msg.Headers[bus.HeaderEventID] == "1" && !rejectedOnce {
			rejectedOnce = true
			return fmt.Errorf("%w: invalid record", bus.ErrRejected)
		}

		return nil
	})

	svc := newPublisher(store, b, clock, "w1")

	_, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Empty(t, b.eventIDs("a"), "event 2 waits for event 1")
	assert.Equal(t, []int64{3}, b.eventIDs("b"))

	e2 := requireStatus(t, store, 2, model.EventStatusPending)
	assert.Empty(t, e2.LeaseOwner)
	assert.Zero(t, e2.AttemptCount)

	n, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "aggregate is blocked while its head is in backoff")

	clock.Advance(4 * time.Second)

	_, err = svc.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, b.eventIDs("a"))
	requireStatus(t, store, 1, model.EventStatusAcknowledged)
	requireStatus(t, store, 2, model.EventStatusAcknowledged)
}

func TestProcessBatch_CrashBeforeAckRepublishesInOrder(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	b := &fakeBus{}

	appendOrderEvents(t, store, "7")

	first := newPublisher(store, b, clock, "crashed")
	_, err := first.ProcessBatch(context.Background())
	require.NoError(t, err)
	requireStatus(t, store, 1, model.EventStatusAcknowledged)

	appendOrderEvents(t, store, "7", "7")

	// The crashed worker claimed events 2 and 3 and got event 2 onto the
	// bus, but died before recording the ack.
	claimed, err := store.Outbox().Claim(context.Background(), &model.ClaimParams{
		Owner: "crashed", Now: clock.Now(), LeaseUntil: clock.Now().Add(30 * time.Second), Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	value, err := json.Marshal(claimed[0].Envelope())
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.Message{
		Topic: "order-events",
		Key:   "7",
		Value: value,
		Headers: map[string]string{
			bus.HeaderEventID:  "2",
			bus.HeaderDedupKey: claimed[0].DedupKey(),
		},
	}))

	second := newPublisher(store, b, clock, "survivor")

	n, err := second.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "leased events are not claimed before the lease expires")

	clock.Advance(31 * time.Second)

	n, err = second.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []int64{1, 2, 2, 3}, b.eventIDs("7"))

	for _, id := range []int64{1, 2, 3} {
		requireStatus(t, store, id, model.EventStatusAcknowledged)
	}

	// Consumers dedup on (aggregate_id, id): every event is applied once.
	var applied []int64

	handler := service.NewOrderEventHandlerImpl(store.Dedup(), time.Hour,
		func(_ context.Context, envelope *model.EventEnvelope, _ *model.OrderEventPayload) error {
			applied = append(applied, envelope.EventID)
			return nil
		})

	for _, msg := range b.messages() {
		require.NoError(t, handler.HandleMessage(context.Background(), msg))
	}

	assert.Equal(t, []int64{1, 2, 3}, applied)
}

func TestProcessBatch_PerAggregateOrderAcrossWorkers(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	aggregates := []string{"a", "b", "c"}
	for range 10 {
		appendOrderEvents(t, store, aggregates...)
	}

	// The first attempt of every third event is rejected.
	rejected := make(map[string]bool)
	b := &fakeBus{}
	b.setFail(func(msg bus.Message) error {
		id := msg.Headers[bus.HeaderEventID]
		n, _ := strconv.Atoi(id)

		if n%3 == 0 && !rejected[id] {
			rejected[id] = true
			return fmt.Errorf("%w: throttled", bus.ErrRejected)
		}

		return nil
	})

	workers := []service.OutboxService{
		newPublisher(store, b, clock, "w1"),
		newPublisher(store, b, clock, "w2"),
	}

	for round := 0; round < 50; round++ {
		for _, w := range workers {
			_, err := w.ProcessBatch(context.Background())
			require.NoError(t, err)
		}

		clock.Advance(5 * time.Second)
	}

	counts, err := store.Outbox().CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), counts[model.EventStatusAcknowledged])

	for _, agg := range aggregates {
		ids := b.eventIDs(agg)
		require.Len(t, ids, 10)
		assert.IsIncreasing(t, ids, "aggregate %s delivered out of order", agg)
	}
}

func TestRun_DrainsAndStops(t *testing.T) {
	store := memory.NewStore()
	appendOrderEvents(t, store, "1", "2", "3")

	b := &fakeBus{}
	cfg := publisherConfig("runner")
	cfg.BatchSize = 2
	svc := service.NewOutboxServiceImpl(store.Outbox(), b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := store.Outbox().CountByStatus(context.Background())
		return err == nil && counts[model.EventStatusAcknowledged] == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCollectGarbage_DeletesAcknowledgedPastRetention(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "1", "2")

	b := &fakeBus{}
	svc := newPublisher(store, b, clock, "w1")

	_, err := svc.ProcessBatch(context.Background())
	require.NoError(t, err)

	appendOrderEvents(t, store, "3")

	n, err := svc.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "retention has not elapsed")

	clock.Advance(2 * time.Hour)

	n, err = svc.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.Outbox().Get(context.Background(), 1)
	require.ErrorIs(t, err, model.ErrEventNotFound)

	requireStatus(t, store, 3, model.EventStatusPending)
}

func TestProcessBatch_LeaseLostMidPublishStopsTheBatch(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "a", "a")

	busB := &fakeBus{}
	svcB := newPublisher(store, busB, clock, "w2")

	// The first publish of w1 outlives its 30s lease; w2 claims and
	// delivers the whole aggregate meanwhile.
	stalled := false
	busA := &fakeBus{}
	busA.setFail(func(bus.Message) error {
		if !stalled {
			stalled = true
			clock.Advance(31 * time.Second)

			n, err := svcB.ProcessBatch(context.Background())
			require.NoError(t, err)
			require.Equal(t, 2, n)
		}

		return nil
	})

	svcA := newPublisher(store, busA, clock, "w1")

	_, err := svcA.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, busB.eventIDs("a"))
	assert.Equal(t, []int64{1}, busA.eventIDs("a"), "w1 does not publish past its lost lease")

	for _, id := range []int64{1, 2} {
		e := requireStatus(t, store, id, model.EventStatusAcknowledged)
		assert.Zero(t, e.AttemptCount)
	}
}

func TestProcessBatch_RenewsLeaseBeforePublishing(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	appendOrderEvents(t, store, "a", "a")

	busB := &fakeBus{}
	svcB := newPublisher(store, busB, clock, "w2")

	// Each publish of w1 is slow. Without renewal the lease on event 2
	// would expire during the second publish.
	steps := []time.Duration{29500 * time.Millisecond, time.Second}
	busA := &fakeBus{}
	busA.setFail(func(bus.Message) error {
		clock.Advance(steps[0])
		steps = steps[1:]

		n, err := svcB.ProcessBatch(context.Background())
		require.NoError(t, err)
		require.Zero(t, n, "w2 cannot claim events leased by w1")

		return nil
	})

	svcA := newPublisher(store, busA, clock, "w1")

	n, err := svcA.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []int64{1, 2}, busA.eventIDs("a"))
	assert.Empty(t, busB.messages())

	for _, id := range []int64{1, 2} {
		requireStatus(t, store, id, model.EventStatusAcknowledged)
	}
}
