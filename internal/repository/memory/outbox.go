package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

type outboxRepo struct {
	s *Store
}

func (r *outboxRepo) Append(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error) {
	tx, ok := txFrom(ctx)
	if !ok {
		return nil, repository.ErrNoTransaction
	}

	if err := params.Validate(); err != nil {
		return nil, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	r.s.outboxSeq++

	e := &model.OutboxEvent{
		ID:            r.s.outboxSeq,
		AggregateID:   params.AggregateID,
		EventType:     params.EventType,
		Payload:       slices.Clone(params.Payload),
		Status:        model.EventStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	tx.outbox = append(tx.outbox, e)

	return cloneEvent(e), nil
}

func (r *outboxRepo) FetchPending(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()

	var out []*model.OutboxEvent

	for _, e := range r.s.unfinished() {
		if len(out) == limit {
			break
		}

		if e.NextAttemptAt.After(now) || leased(e, now) {
			continue
		}

		out = append(out, cloneEvent(e))
	}

	return out, nil
}

func (r *outboxRepo) Claim(_ context.Context, p *model.ClaimParams) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	blocked := make(map[string]bool)

	var claimed []*model.OutboxEvent

	for _, e := range r.s.unfinished() {
		isLeased := leased(e, p.Now)
		inBackoff := e.NextAttemptAt.After(p.Now)

		if !blocked[e.AggregateID] && !isLeased && !inBackoff && len(claimed) < p.Limit {
			until := p.LeaseUntil
			e.LeaseOwner = p.Owner
			e.LeaseUntil = &until
			claimed = append(claimed, cloneEvent(e))
		}

		if isLeased || inBackoff {
			blocked[e.AggregateID] = true
		}
	}

	return claimed, nil
}

func (r *outboxRepo) RenewLease(_ context.Context, owner string, id int64, until time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.outbox[id]
	if !ok {
		return model.ErrEventNotFound
	}

	if e.Status.Terminal() || e.LeaseOwner != owner {
		return fmt.Errorf("%w: event %d, owner %s", model.ErrLeaseLost, id, owner)
	}

	e.LeaseUntil = &until

	return nil
}

func (r *outboxRepo) MarkPublished(_ context.Context, owner string, id int64, at time.Time) error {
	return r.transition(owner, id, model.EventStatusPublished, func(e *model.OutboxEvent) {
		e.Status = model.EventStatusPublished
		e.PublishedAt = &at
		e.LastError = ""
	})
}

func (r *outboxRepo) MarkAcknowledged(_ context.Context, owner string, id int64, at time.Time) error {
	return r.transition(owner, id, model.EventStatusAcknowledged, func(e *model.OutboxEvent) {
		e.Status = model.EventStatusAcknowledged
		e.AcknowledgedAt = &at
		clearLease(e)
	})
}

func (r *outboxRepo) MarkFailed(_ context.Context, owner string, id int64, reason string, at time.Time) error {
	return r.transition(owner, id, model.EventStatusFailed, func(e *model.OutboxEvent) {
		e.Status = model.EventStatusFailed
		e.FailedAt = &at
		e.LastError = reason
		e.AttemptCount++
		clearLease(e)
	})
}

func (r *outboxRepo) ScheduleRetry(_ context.Context, owner string, id int64, reason string, nextAttemptAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.outbox[id]
	if !ok {
		return model.ErrEventNotFound
	}

	if e.Status.Terminal() {
		return fmt.Errorf("%w: cannot retry %s event %d", model.ErrInvalidTransition, e.Status, id)
	}

	if e.LeaseOwner != owner {
		return fmt.Errorf("%w: event %d is leased by %q", model.ErrLeaseLost, id, e.LeaseOwner)
	}

	e.AttemptCount++
	e.LastError = reason
	e.NextAttemptAt = nextAttemptAt
	clearLease(e)

	return nil
}

func (r *outboxRepo) ReleaseClaims(_ context.Context, owner string, ids ...int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	release := func(e *model.OutboxEvent) {
		if e.LeaseOwner == owner && !e.Status.Terminal() {
			clearLease(e)
		}
	}

	if len(ids) == 0 {
		for _, e := range r.s.outbox {
			release(e)
		}

		return nil
	}

	for _, id := range ids {
		if e, ok := r.s.outbox[id]; ok {
			release(e)
		}
	}

	return nil
}

func (r *outboxRepo) DeleteAcknowledged(_ context.Context, before time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var ids []int64

	for id, e := range r.s.outbox {
		if e.Status == model.EventStatusAcknowledged && e.AcknowledgedAt != nil && e.AcknowledgedAt.Before(before) {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	if len(ids) > limit {
		ids = ids[:limit]
	}

	for _, id := range ids {
		delete(r.s.outbox, id)
	}

	return int64(len(ids)), nil
}

func (r *outboxRepo) Requeue(_ context.Context, id int64, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.outbox[id]
	if !ok {
		return model.ErrEventNotFound
	}

	if e.Status != model.EventStatusFailed {
		return fmt.Errorf("%w: only failed events can be requeued, event %d is %s",
			model.ErrInvalidTransition, id, e.Status)
	}

	e.Status = model.EventStatusPending
	e.AttemptCount = 0
	e.NextAttemptAt = now
	e.FailedAt = nil
	clearLease(e)

	return nil
}

func (r *outboxRepo) Get(_ context.Context, id int64) (*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.outbox[id]
	if !ok {
		return nil, model.ErrEventNotFound
	}

	return cloneEvent(e), nil
}

func (r *outboxRepo) CountByStatus(context.Context) (map[model.EventStatus]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[model.EventStatus]int64)
	for _, e := range r.s.outbox {
		counts[e.Status]++
	}

	return counts, nil
}

func (r *outboxRepo) transition(owner string, id int64, next model.EventStatus, apply func(e *model.OutboxEvent)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.outbox[id]
	if !ok {
		return model.ErrEventNotFound
	}

	if !e.Status.Terminal() && e.LeaseOwner != owner {
		return fmt.Errorf("%w: event %d is leased by %q", model.ErrLeaseLost, id, e.LeaseOwner)
	}

	changed, err := e.Status.Transition(next)
	if err != nil {
		return fmt.Errorf("event %d: %w", id, err)
	}

	if changed {
		apply(e)
	}

	return nil
}

// unfinished returns committed Pending and Published events ordered by id.
// Callers hold s.mu.
func (s *Store) unfinished() []*model.OutboxEvent {
	var out []*model.OutboxEvent

	for _, e := range s.outbox {
		if e.Status == model.EventStatusPending || e.Status == model.EventStatusPublished {
			out = append(out, e)
		}
	}

	slices.SortFunc(out, func(a, b *model.OutboxEvent) int { return cmp.Compare(a.ID, b.ID) })

	return out
}

func leased(e *model.OutboxEvent, now time.Time) bool {
	return e.LeaseUntil != nil && !e.LeaseUntil.Before(now)
}

func clearLease(e *model.OutboxEvent) {
	e.LeaseOwner = ""
	e.LeaseUntil = nil
}

func cloneEvent(e *model.OutboxEvent) *model.OutboxEvent {
	c := *e
	c.Payload = slices.Clone(e.Payload)
	c.LeaseUntil = cloneTime(e.LeaseUntil)
	c.PublishedAt = cloneTime(e.PublishedAt)
	c.AcknowledgedAt = cloneTime(e.AcknowledgedAt)
	c.FailedAt = cloneTime(e.FailedAt)

	return &c
}
