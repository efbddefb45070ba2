package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

const outboxColumns = `id, aggregate_id, event_type, payload, status, attempt_count, last_error,
	next_attempt_at, lease_owner, lease_until, created_at, published_at, acknowledged_at, failed_at`

const claimOutboxEventsSQL = `
WITH claimable AS (
    SELECT e.id
    FROM outbox_events e
    WHERE e.status IN ('pending', 'published')
      AND e.next_attempt_at <= $2
      AND (e.lease_until IS NULL OR e.lease_until < $2)
      AND NOT EXISTS (
          SELECT 1 FROM outbox_events p
          WHERE p.aggregate_id = e.aggregate_id
            AND p.id < e.id
            AND p.status IN ('pending', 'published')
            AND (p.next_attempt_at > $2 OR p.lease_until >= $2)
      )
    ORDER BY e.id
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox_events o
SET lease_owner = $1, lease_until = $3
FROM claimable c
WHERE o.id = c.id
RETURNING o.id, o.aggregate_id, o.event_type, o.payload, o.status, o.attempt_count, o.last_error,
    o.next_attempt_at, o.lease_owner, o.lease_until, o.created_at, o.published_at, o.acknowledged_at, o.failed_at`

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool}
}

// Append inserts a Pending event in the caller's transaction.
func (r *OutboxRepositoryImpl) Append(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload)
		 VALUES ($1, $2, $3)
		 RETURNING `+outboxColumns,
		params.AggregateID, string(params.EventType), params.Payload,
	)

	return scanOutboxEvent(row)
}

// FetchPending retrieves due, unleased events without claiming them.
func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events
		 WHERE status IN ('pending', 'published')
		   AND next_attempt_at <= now()
		   AND (lease_until IS NULL OR lease_until < now())
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	return collectOutboxEvents(rows)
}

// Claim leases claimable events to params.Owner.
func (r *OutboxRepositoryImpl) Claim(ctx context.Context, params *model.ClaimParams) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent

	err := r.inTx(ctx, func(q Querier) error {
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxClaimLockKey); err != nil {
			return fmt.Errorf("failed to acquire claim lock: %w", err)
		}

		rows, err := q.Query(ctx, claimOutboxEventsSQL, params.Owner, params.Now, params.LeaseUntil, params.Limit)
		if err != nil {
			return err
		}

		events, err = collectOutboxEvents(rows)

		return err
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(events, func(a, b *model.OutboxEvent) int { return cmp.Compare(a.ID, b.ID) })

	return events, nil
}

// RenewLease extends owner's lease on an unfinished event.
func (r *OutboxRepositoryImpl) RenewLease(ctx context.Context, owner string, id int64, until time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE outbox_events SET lease_until = $3
		 WHERE id = $1 AND lease_owner = $2 AND status IN ('pending', 'published')`,
		id, owner, until,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %d, owner %s", model.ErrLeaseLost, id, owner)
	}

	return nil
}

// MarkPublished records the bus acknowledgement of an event.
func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, owner string, id int64, at time.Time) error {
	return r.transition(ctx, owner, id, model.EventStatusPublished, func(q Querier) error {
		_, err := q.Exec(ctx,
			`UPDATE outbox_events SET status = 'published', published_at = $2, last_error = '' WHERE id = $1`,
			id, at,
		)

		return err
	})
}

// MarkAcknowledged completes an event and drops its lease.
func (r *OutboxRepositoryImpl) MarkAcknowledged(ctx context.Context, owner string, id int64, at time.Time) error {
	return r.transition(ctx, owner, id, model.EventStatusAcknowledged, func(q Querier) error {
		_, err := q.Exec(ctx,
			`UPDATE outbox_events
			 SET status = 'acknowledged', acknowledged_at = $2, lease_owner = '', lease_until = NULL
			 WHERE id = $1`,
			id, at,
		)

		return err
	})
}

// MarkFailed parks an event after its final attempt.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, owner string, id int64, reason string, at time.Time) error {
	return r.transition(ctx, owner, id, model.EventStatusFailed, func(q Querier) error {
		_, err := q.Exec(ctx,
			`UPDATE outbox_events
			 SET status = 'failed', failed_at = $2, last_error = $3, attempt_count = attempt_count + 1,
			     lease_owner = '', lease_until = NULL
			 WHERE id = $1`,
			id, at, reason,
		)

		return err
	})
}

// ScheduleRetry counts a failed attempt and backs the event off.
func (r *OutboxRepositoryImpl) ScheduleRetry(
	ctx context.Context, owner string, id int64, reason string, nextAttemptAt time.Time,
) error {
	return r.inTx(ctx, func(q Querier) error {
		status, leaseOwner, err := lockEvent(ctx, q, id)
		if err != nil {
			return err
		}

		if status.Terminal() {
			return fmt.Errorf("%w: cannot retry %s event %d", model.ErrInvalidTransition, status, id)
		}

		if leaseOwner != owner {
			return fmt.Errorf("%w: event %d is leased by %q", model.ErrLeaseLost, id, leaseOwner)
		}

		_, err = q.Exec(ctx,
			`UPDATE outbox_events
			 SET attempt_count = attempt_count + 1, last_error = $2, next_attempt_at = $3,
			     lease_owner = '', lease_until = NULL
			 WHERE id = $1`,
			id, reason, nextAttemptAt,
		)

		return err
	})
}

// ReleaseClaims drops leases held by owner. With no ids every lease of owner is released.
func (r *OutboxRepositoryImpl) ReleaseClaims(ctx context.Context, owner string, ids ...int64) error {
	var err error
	if len(ids) == 0 {
		_, err = conn(ctx, r.pool).Exec(ctx,
			`UPDATE outbox_events SET lease_owner = '', lease_until = NULL
			 WHERE lease_owner = $1 AND status IN ('pending', 'published')`,
			owner,
		)
	} else {
		_, err = conn(ctx, r.pool).Exec(ctx,
			`UPDATE outbox_events SET lease_owner = '', lease_until = NULL
			 WHERE lease_owner = $1 AND id = ANY($2) AND status IN ('pending', 'published')`,
			owner, ids,
		)
	}

	if err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}

	return nil
}

// DeleteAcknowledged garbage-collects acknowledged events older than before.
func (r *OutboxRepositoryImpl) DeleteAcknowledged(ctx context.Context, before time.Time, limit int) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM outbox_events WHERE id IN (
		     SELECT id FROM outbox_events
		     WHERE status = 'acknowledged' AND acknowledged_at < $1
		     ORDER BY id
		     LIMIT $2
		 )`,
		before, limit,
	)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// Requeue resets a Failed event to Pending.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, id int64, now time.Time) error {
	return r.inTx(ctx, func(q Querier) error {
		status, _, err := lockEvent(ctx, q, id)
		if err != nil {
			return err
		}

		if status != model.EventStatusFailed {
			return fmt.Errorf("%w: only failed events can be requeued, event %d is %s",
				model.ErrInvalidTransition, id, status)
		}

		_, err = q.Exec(ctx,
			`UPDATE outbox_events
			 SET status = 'pending', attempt_count = 0, next_attempt_at = $2, failed_at = NULL,
			     lease_owner = '', lease_until = NULL
			 WHERE id = $1`,
			id, now,
		)

		return err
	})
}

// Get returns a single event.
func (r *OutboxRepositoryImpl) Get(ctx context.Context, id int64) (*model.OutboxEvent, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id)

	event, err := scanOutboxEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrEventNotFound
	}

	return event, err
}

// CountByStatus returns the number of events per status.
func (r *OutboxRepositoryImpl) CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT status, count(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.EventStatus]int64)

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}

		counts[model.EventStatus(status)] = n
	}

	return counts, rows.Err()
}

// transition locks the event row, checks the move to next and runs update
// only when the status actually changes. Unfinished events must be leased
// by owner.
func (r *OutboxRepositoryImpl) transition(
	ctx context.Context, owner string, id int64, next model.EventStatus, update func(q Querier) error,
) error {
	return r.inTx(ctx, func(q Querier) error {
		status, leaseOwner, err := lockEvent(ctx, q, id)
		if err != nil {
			return err
		}

		if !status.Terminal() && leaseOwner != owner {
			return fmt.Errorf("%w: event %d is leased by %q", model.ErrLeaseLost, id, leaseOwner)
		}

		changed, err := status.Transition(next)
		if err != nil {
			return fmt.Errorf("event %d: %w", id, err)
		}

		if !changed {
			return nil
		}

		return update(q)
	})
}

// inTx joins the transaction in ctx or runs fn in a short one of its own.
func (r *OutboxRepositoryImpl) inTx(ctx context.Context, fn func(q Querier) error) error {
	if tx, ok := TxFromContext(ctx); ok {
		return fn(tx)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

func lockEvent(ctx context.Context, q Querier, id int64) (model.EventStatus, string, error) {
	var status, leaseOwner string

	err := q.QueryRow(ctx,
		`SELECT status, lease_owner FROM outbox_events WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &leaseOwner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", model.ErrEventNotFound
	}

	if err != nil {
		return "", "", err
	}

	return model.EventStatus(status), leaseOwner, nil
}

func scanOutboxEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		e         model.OutboxEvent
		eventType string
		status    string
	)

	err := row.Scan(
		&e.ID, &e.AggregateID, &eventType, &e.Payload, &status, &e.AttemptCount, &e.LastError,
		&e.NextAttemptAt, &e.LeaseOwner, &e.LeaseUntil, &e.CreatedAt, &e.PublishedAt, &e.AcknowledgedAt, &e.FailedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = model.OrderEventType(eventType)
	e.Status = model.EventStatus(status)

	return &e, nil
}

func collectOutboxEvents(rows pgx.Rows) ([]*model.OutboxEvent, error) {
	defer rows.Close()

	var events []*model.OutboxEvent

	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, e)
	}

	return events, rows.Err()
}
