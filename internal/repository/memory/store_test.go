package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time { return func() time.Time { return t0 } }

func appendEvents(t *testing.T, s *Store, aggregates ...string) []*model.OutboxEvent {
	t.Helper()

	var events []*model.OutboxEvent

	for _, agg := range aggregates {
		err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
			e, err := s.Outbox().Append(ctx, &model.CreateOutboxEventParams{
				AggregateID: agg,
				EventType:   model.OrderEventUpdated,
				Payload:     []byte(`{}`),
			})
			events = append(events, e)

			return err
		})
		require.NoError(t, err)
	}

	return events
}

func TestAppend_RequiresTransaction(t *testing.T) {
	s := NewStore()

	_, err := s.Outbox().Append(context.Background(), &model.CreateOutboxEventParams{
		AggregateID: "1", EventType: model.OrderEventCreated, Payload: []byte(`{}`),
	})
	require.ErrorIs(t, err, repository.ErrNoTransaction)
}

func TestWithTransaction_RollbackDiscardsOrderAndEvent(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	boom := errors.New("boom")

	err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
		o, err := s.Orders().Create(ctx, &model.Order{BuyerID: 1, ProductID: 1, Quantity: 1})
		require.NoError(t, err)

		_, err = s.Outbox().Append(ctx, &model.CreateOutboxEventParams{
			AggregateID: o.AggregateID(), EventType: model.OrderEventCreated, Payload: []byte(`{}`),
		})
		require.NoError(t, err)

		return boom
	})

	require.ErrorIs(t, err, model.ErrTransactionFailure)
	require.ErrorIs(t, err, boom)

	_, err = s.Orders().GetByID(context.Background(), 1)
	require.ErrorIs(t, err, model.ErrOrderNotFound)

	counts, err := s.Outbox().CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestAppend_InvisibleUntilCommit(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithTransaction(context.Background(), func(ctx context.Context) error {
			_, err := s.Outbox().Append(ctx, &model.CreateOutboxEventParams{
				AggregateID: "7", EventType: model.OrderEventCreated, Payload: []byte(`{}`),
			})
			close(inside)
			<-release

			return err
		})
	}()

	<-inside

	pending, err := s.Outbox().FetchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	close(release)
	require.NoError(t, <-done)

	pending, err = s.Outbox().FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.EventStatusPending, pending[0].Status)
}

func TestClaim_HeadOfLineBlocking(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	events := appendEvents(t, s, "a", "a", "b")
	repo := s.Outbox()
	ctx := context.Background()

	claimed, err := repo.Claim(ctx, &model.ClaimParams{Owner: "p1", Now: t0, LeaseUntil: t0.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	require.NoError(t, repo.ScheduleRetry(ctx, "p1", events[0].ID, "rejected", t0.Add(time.Minute)))
	require.NoError(t, repo.ReleaseClaims(ctx, "p1"))

	claimed, err = repo.Claim(ctx, &model.ClaimParams{Owner: "p1", Now: t0, LeaseUntil: t0.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "b", claimed[0].AggregateID, "later events of a backed-off aggregate wait")

	later := t0.Add(2 * time.Minute)
	claimed, err = repo.Claim(ctx, &model.ClaimParams{Owner: "p1", Now: later, LeaseUntil: later.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 3, "backoff elapsed and the lease on b expired")
	assert.Equal(t, events[0].ID, claimed[0].ID)
	assert.Equal(t, events[1].ID, claimed[1].ID)
	assert.Equal(t, events[2].ID, claimed[2].ID)
}

func TestClaim_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	aggs := make([]string, 0, 50)
	for i := range 50 {
		aggs = append(aggs, string(rune('a'+i%26))+"x")
	}
	appendEvents(t, s, aggs...)

	var (
		mu   sync.Mutex
		seen = map[int64]string{}
		wg   sync.WaitGroup
	)

	for _, owner := range []string{"p1", "p2", "p3", "p4"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claimed, err := s.Outbox().Claim(context.Background(), &model.ClaimParams{
				Owner: owner, Now: t0, LeaseUntil: t0.Add(time.Minute), Limit: 20,
			})
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()

			for _, e := range claimed {
				prev, dup := seen[e.ID]
				assert.False(t, dup, "event %d claimed by %s and %s", e.ID, prev, owner)
				seen[e.ID] = owner
			}
		}()
	}

	wg.Wait()
}

func TestTransitions_AndRequeue(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	e := appendEvents(t, s, "1")[0]
	repo := s.Outbox()
	ctx := context.Background()

	claim(t, s, "p1", t0)

	require.ErrorIs(t, repo.MarkAcknowledged(ctx, "p1", e.ID, t0), model.ErrInvalidTransition)
	require.NoError(t, repo.MarkPublished(ctx, "p1", e.ID, t0))
	require.NoError(t, repo.MarkPublished(ctx, "p1", e.ID, t0), "replay is a no-op")
	require.NoError(t, repo.MarkAcknowledged(ctx, "p1", e.ID, t0))
	require.NoError(t, repo.MarkPublished(ctx, "p1", e.ID, t0), "late publish replay is a no-op")

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusAcknowledged, got.Status)

	require.ErrorIs(t, repo.Requeue(ctx, e.ID, t0), model.ErrInvalidTransition)

	f := appendEvents(t, s, "2")[0]
	claim(t, s, "p1", t0)
	require.NoError(t, repo.MarkFailed(ctx, "p1", f.ID, "rejected", t0))
	require.NoError(t, repo.Requeue(ctx, f.ID, t0))

	got, err = repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)

	n, err := repo.DeleteAcknowledged(ctx, t0.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, e.ID)
	require.ErrorIs(t, err, model.ErrEventNotFound)
}

func claim(t *testing.T, s *Store, owner string, now time.Time) []*model.OutboxEvent {
	t.Helper()

	claimed, err := s.Outbox().Claim(context.Background(), &model.ClaimParams{
		Owner: owner, Now: now, LeaseUntil: now.Add(30 * time.Second), Limit: 10,
	})
	require.NoError(t, err)

	return claimed
}

func TestLeaseFencing(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	e := appendEvents(t, s, "1")[0]
	repo := s.Outbox()
	ctx := context.Background()

	require.Len(t, claim(t, s, "p1", t0), 1)
	require.NoError(t, repo.RenewLease(ctx, "p1", e.ID, t0.Add(time.Minute)))

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), *got.LeaseUntil)

	later := t0.Add(2 * time.Minute)
	require.Len(t, claim(t, s, "p2", later), 1, "expired lease is claimed by another publisher")

	require.ErrorIs(t, repo.RenewLease(ctx, "p1", e.ID, later.Add(time.Minute)), model.ErrLeaseLost)
	require.ErrorIs(t, repo.MarkPublished(ctx, "p1", e.ID, later), model.ErrLeaseLost)
	require.ErrorIs(t, repo.ScheduleRetry(ctx, "p1", e.ID, "late", later), model.ErrLeaseLost)
	require.ErrorIs(t, repo.MarkFailed(ctx, "p1", e.ID, "late", later), model.ErrLeaseLost)

	got, err = repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EventStatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Equal(t, "p2", got.LeaseOwner)

	require.NoError(t, repo.MarkPublished(ctx, "p2", e.ID, later))
	require.NoError(t, repo.MarkAcknowledged(ctx, "p2", e.ID, later))
	require.NoError(t, repo.MarkPublished(ctx, "p1", e.ID, later), "replays on finished events are no-ops")
	require.ErrorIs(t, repo.RenewLease(ctx, "p2", e.ID, later.Add(time.Minute)), model.ErrLeaseLost)
}

func TestReleaseClaims_KeepsAttemptCount(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	appendEvents(t, s, "1", "2")
	repo := s.Outbox()
	ctx := context.Background()

	claimed, err := repo.Claim(ctx, &model.ClaimParams{Owner: "p1", Now: t0, LeaseUntil: t0.Add(time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, repo.ReleaseClaims(ctx, "p2"))
	again, err := repo.Claim(ctx, &model.ClaimParams{Owner: "p2", Now: t0, LeaseUntil: t0.Add(time.Hour), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, again, "other owners cannot release p1's lease")

	require.NoError(t, repo.ReleaseClaims(ctx, "p1"))
	again, err = repo.Claim(ctx, &model.ClaimParams{Owner: "p2", Now: t0, LeaseUntil: t0.Add(time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Zero(t, again[0].AttemptCount)
}

func TestRefreshStore_RotateAndReuse(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))
	store := s.RefreshTokens()
	ctx := context.Background()
	exp := t0.Add(time.Hour)

	require.NoError(t, store.Save(ctx, &model.RefreshTokenRecord{TokenID: "r1", UserID: "1", ExpiresAt: exp}))
	require.NoError(t, store.Save(ctx, &model.RefreshTokenRecord{TokenID: "other", UserID: "1", ExpiresAt: exp}))
	require.NoError(t, store.Rotate(ctx, "r1", &model.RefreshTokenRecord{TokenID: "r2", UserID: "1", ExpiresAt: exp}))

	err := store.Rotate(ctx, "r1", &model.RefreshTokenRecord{TokenID: "r3", UserID: "1", ExpiresAt: exp})
	require.ErrorIs(t, err, model.ErrTokenRevoked)

	err = store.Rotate(ctx, "r2", &model.RefreshTokenRecord{TokenID: "r4", UserID: "1", ExpiresAt: exp})
	require.ErrorIs(t, err, model.ErrTokenRevoked, "reuse revokes the whole family")

	err = store.Rotate(ctx, "other", &model.RefreshTokenRecord{TokenID: "r5", UserID: "1", ExpiresAt: exp})
	require.ErrorIs(t, err, model.ErrTokenRevoked)
}

func TestSigningKeys_SingleActive(t *testing.T) {
	s := NewStore()
	repo := s.SigningKeys()

	err := s.WithTransaction(context.Background(), func(ctx context.Context) error {
		active, err := repo.LockActive(ctx)
		require.NoError(t, err)
		assert.Nil(t, active)

		require.NoError(t, repo.Insert(ctx, &model.SigningKey{KeyID: "k1", Status: model.KeyStatusActive, NotBefore: t0}))

		return repo.Insert(ctx, &model.SigningKey{KeyID: "k2", Status: model.KeyStatusActive, NotBefore: t0})
	})
	require.ErrorIs(t, err, model.ErrKeyRotationConflict)

	keys, err := repo.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys, "rolled back")
}

func TestDedupStore(t *testing.T) {
	s := NewStore(WithClock(fixedClock()))

	first, err := s.Dedup().MarkProcessed(context.Background(), "1:1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.Dedup().MarkProcessed(context.Background(), "1:1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again)
}
