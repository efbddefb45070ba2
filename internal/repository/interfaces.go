// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// ErrNoTransaction is returned by operations that must join the caller's
// transaction when ctx carries none.
var ErrNoTransaction = errors.New("operation requires an open transaction")

// UserRepository defines methods for user data access.
type UserRepository interface {
	Create(ctx context.Context, email, passwordHash string, roles []string) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// ProductRepository defines the product operations orders depend on.
type ProductRepository interface {
	Create(ctx context.Context, sellerID int64, price float64, stock int) (*model.Product, error)
	// GetForUpdate reads and row-locks a product inside the caller's transaction.
	GetForUpdate(ctx context.Context, id int64) (*model.Product, error)
	// AdjustStock adds delta to the stock, failing with ErrInsufficientStock
	// when the result would be negative.
	AdjustStock(ctx context.Context, id int64, delta int) error
}

// OrderRepository defines methods for order data access.
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) (*model.Order, error)
	GetByID(ctx context.Context, id int64) (*model.Order, error)
	// GetForUpdate reads and row-locks an order inside the caller's
	// transaction, serializing mutations of one aggregate.
	GetForUpdate(ctx context.Context, id int64) (*model.Order, error)
	Update(ctx context.Context, order *model.Order) error
	ListByBuyer(ctx context.Context, buyerID int64, limit, offset int) ([]*model.Order, error)
	ListBySeller(ctx context.Context, sellerID int64, limit, offset int) ([]*model.Order, error)
}

// OutboxRepository defines methods for outbox event data access.
// Only Append is called by order mutations; every other method belongs to
// the publisher or the operator tooling.
type OutboxRepository interface {
	// Append inserts a Pending event inside the transaction carried by ctx.
	Append(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error)
	// FetchPending returns due, unleased Pending or Published events ordered by id.
	FetchPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	// Claim leases due events for a publisher, ordered by id. An event is
	// skipped while an earlier unfinished event of its aggregate is in
	// backoff or leased by someone else.
	Claim(ctx context.Context, params *model.ClaimParams) ([]*model.OutboxEvent, error)
	// RenewLease moves the lease of an unfinished event held by owner to
	// until. It fails with model.ErrLeaseLost when owner no longer holds it.
	RenewLease(ctx context.Context, owner string, id int64, until time.Time) error
	// MarkPublished, MarkAcknowledged, MarkFailed and ScheduleRetry are
	// fenced: on an unfinished event they fail with model.ErrLeaseLost
	// unless owner holds its lease. Replays on a finished event follow the
	// transition table.
	MarkPublished(ctx context.Context, owner string, id int64, at time.Time) error
	MarkAcknowledged(ctx context.Context, owner string, id int64, at time.Time) error
	MarkFailed(ctx context.Context, owner string, id int64, reason string, at time.Time) error
	// ScheduleRetry counts a failed attempt and releases the lease until nextAttemptAt.
	ScheduleRetry(ctx context.Context, owner string, id int64, reason string, nextAttemptAt time.Time) error
	// ReleaseClaims drops leases held by owner without counting an attempt.
	ReleaseClaims(ctx context.Context, owner string, ids ...int64) error
	DeleteAcknowledged(ctx context.Context, before time.Time, limit int) (int64, error)
	// Requeue moves a Failed event back to Pending with a fresh attempt budget.
	Requeue(ctx context.Context, id int64, now time.Time) error
	Get(ctx context.Context, id int64) (*model.OutboxEvent, error)
	CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error)
}

// SigningKeyRepository persists RS256 signing keys.
type SigningKeyRepository interface {
	// ListUsable returns Active and RetiringGrace keys.
	ListUsable(ctx context.Context) ([]*model.SigningKey, error)
	ListAll(ctx context.Context) ([]*model.SigningKey, error)
	// LockActive returns the Active key, or nil when there is none, and
	// blocks concurrent rotations until the caller's transaction ends.
	LockActive(ctx context.Context) (*model.SigningKey, error)
	Insert(ctx context.Context, key *model.SigningKey) error
	Demote(ctx context.Context, keyID string, notAfter time.Time) error
	// RetireExpired moves RetiringGrace keys whose not_after <= now to Retired.
	RetireExpired(ctx context.Context, now time.Time) ([]string, error)
}

// RefreshTokenStore tracks refresh tokens so they can be rotated and revoked.
type RefreshTokenStore interface {
	Save(ctx context.Context, rec *model.RefreshTokenRecord) error
	// Rotate consumes oldID and saves next. Reusing a consumed id revokes
	// every refresh token of the user and returns ErrTokenRevoked.
	Rotate(ctx context.Context, oldID string, next *model.RefreshTokenRecord) error
	Revoke(ctx context.Context, tokenID string) error
	RevokeAll(ctx context.Context, userID string) error
}

// DedupStore remembers processed event keys for idempotent consumers.
type DedupStore interface {
	// MarkProcessed records key and reports whether it was seen for the first time.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops key so a failed delivery can be processed again.
	Forget(ctx context.Context, key string) error
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	// WithTransaction runs fn inside a transaction carried by the ctx passed
	// to fn. Nested calls join the outer transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
