package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// newTestPool connects to TEST_DATABASE_URL and resets the outbox tables.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))

	_, err = pool.Exec(ctx, `TRUNCATE outbox_events, signing_keys RESTART IDENTITY`)
	require.NoError(t, err)

	return pool
}

func TestPostgresOutbox_AppendClaimAcknowledge(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tm := NewTransactionManagerImpl(pool)
	repo := NewOutboxRepositoryImpl(pool)

	_, err := repo.Append(ctx, &model.CreateOutboxEventParams{
		AggregateID: "1", EventType: model.OrderEventCreated, Payload: []byte(`{}`),
	})
	require.ErrorIs(t, err, ErrNoTransaction)

	for _, agg := range []string{"1", "1", "2"} {
		err := tm.WithTransaction(ctx, func(ctx context.Context) error {
			_, err := repo.Append(ctx, &model.CreateOutboxEventParams{
				AggregateID: agg, EventType: model.OrderEventUpdated, Payload: []byte(`{"order_id":1}`),
			})

			return err
		})
		require.NoError(t, err)
	}

	now := time.Now()

	first, err := repo.Claim(ctx, &model.ClaimParams{Owner: "p1", Now: now, LeaseUntil: now.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Less(t, first[0].ID, first[1].ID)

	second, err := repo.Claim(ctx, &model.ClaimParams{Owner: "p2", Now: now, LeaseUntil: now.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, repo.ScheduleRetry(ctx, "p1", first[0].ID, "rejected", now.Add(time.Hour)))
	require.NoError(t, repo.ReleaseClaims(ctx, "p1"))

	third, err := repo.Claim(ctx, &model.ClaimParams{Owner: "p2", Now: now, LeaseUntil: now.Add(time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, third, 1, "aggregate 1 waits behind its backed-off head")
	assert.Equal(t, "2", third[0].AggregateID)

	require.ErrorIs(t, repo.MarkPublished(ctx, "p1", third[0].ID, now), model.ErrLeaseLost)
	require.NoError(t, repo.RenewLease(ctx, "p2", third[0].ID, now.Add(2*time.Minute)))
	require.NoError(t, repo.MarkPublished(ctx, "p2", third[0].ID, now))
	require.NoError(t, repo.MarkAcknowledged(ctx, "p2", third[0].ID, now))
	require.ErrorIs(t, repo.MarkFailed(ctx, "p2", third[0].ID, "late", now), model.ErrInvalidTransition)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.EventStatusPending])
	assert.Equal(t, int64(1), counts[model.EventStatusAcknowledged])
}

func TestPostgresTransaction_RollbackDropsEvent(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	tm := NewTransactionManagerImpl(pool)
	repo := NewOutboxRepositoryImpl(pool)

	err := tm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := repo.Append(ctx, &model.CreateOutboxEventParams{
			AggregateID: "9", EventType: model.OrderEventCreated, Payload: []byte(`{}`),
		}); err != nil {
			return err
		}

		return model.ErrInsufficientStock
	})
	require.ErrorIs(t, err, model.ErrTransactionFailure)
	require.ErrorIs(t, err, model.ErrInsufficientStock)

	pending, err := repo.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
