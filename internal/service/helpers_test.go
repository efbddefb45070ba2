package service_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/repository/memory"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

// fakeBus records accepted messages. fail, when set, decides per message
// whether the broker refuses it.
type fakeBus struct {
	mu    sync.Mutex
	fail  func(msg bus.Message) error
	sent  []bus.Message
	calls int
}

func (b *fakeBus) Publish(_ context.Context, msg bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++

	if b.fail != nil {
		if err := b.fail(msg); err != nil {
			return err
		}
	}

	b.sent = append(b.sent, msg)

	return nil
}

func (*fakeBus) Close() error { return nil }

func (b *fakeBus) setFail(fail func(msg bus.Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fail = fail
}

func (b *fakeBus) messages() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]bus.Message(nil), b.sent...)
}

// eventIDs returns the event ids sent for aggregate, in send order.
func (b *fakeBus) eventIDs(aggregate string) []int64 {
	var ids []int64

	for _, msg := range b.messages() {
		if msg.Key != aggregate {
			continue
		}

		id, _ := strconv.ParseInt(msg.Headers[bus.HeaderEventID], 10, 64)
		ids = append(ids, id)
	}

	return ids
}

type deadLetter struct {
	event  model.OutboxEvent
	reason string
}

type recordingSink struct {
	mu   sync.Mutex
	dead []deadLetter
}

func (s *recordingSink) Push(_ context.Context, event *model.OutboxEvent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dead = append(s.dead, deadLetter{event: *event, reason: reason})

	return nil
}

func (s *recordingSink) all() []deadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]deadLetter(nil), s.dead...)
}

// failingOutbox makes every Append fail.
type failingOutbox struct {
	repository.OutboxRepository
}

var errAppendFailed = errors.New("disk full")

func (failingOutbox) Append(context.Context, *model.CreateOutboxEventParams) (*model.OutboxEvent, error) {
	return nil, errAppendFailed
}

// appendOrderEvents commits one event per aggregate, in order. Event ids
// start at 1 in a fresh store.
func appendOrderEvents(t *testing.T, store *memory.Store, aggregates ...string) {
	t.Helper()

	orders := service.NewOrderServiceImpl(store.Orders(), store.Products(), store.Outbox(), store)

	for _, agg := range aggregates {
		err := store.WithTransaction(context.Background(), func(ctx context.Context) error {
			return orders.RecordOrderEvent(ctx, agg, model.OrderEventUpdated, map[string]string{"note": agg})
		})
		require.NoError(t, err)
	}
}

func newTestKeyManager(t *testing.T, store *memory.Store, clock *testClock, grace time.Duration) *service.KeyManagerImpl {
	t.Helper()

	km := service.NewKeyManagerImpl(store.SigningKeys(), store, grace,
		service.WithKeyClock(clock.Now),
		service.WithKeyBits(1024),
	)
	require.NoError(t, km.Load(context.Background()))

	return km
}
