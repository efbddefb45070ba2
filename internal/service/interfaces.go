// Package service provides business logic layer implementations.
package service

import (
	"context"
	"time"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// OrderService defines business logic methods for order management. Every
// mutation commits together with its outbox event or not at all.
type OrderService interface {
	// RecordOrderEvent appends an event inside the transaction carried by ctx.
	RecordOrderEvent(ctx context.Context, aggregateID string, eventType model.OrderEventType, payload any) error
	CreateOrder(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error)
	UpdateOrder(ctx context.Context, orderID, buyerID int64, params *model.UpdateOrderParams) (*model.Order, error)
	// ChangeStatus and GetOrder report ErrOrderNotFound to actors that may not see the order.
	ChangeStatus(ctx context.Context, orderID int64, actor model.Actor, status model.OrderStatus) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID, buyerID int64) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64, actor model.Actor) (*model.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64, limit, offset int) ([]*model.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID int64, limit, offset int) ([]*model.Order, error)
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	// Run claims and publishes batches until ctx is done.
	Run(ctx context.Context) error
	// ProcessBatch claims and publishes one batch, returning how many events
	// were claimed.
	ProcessBatch(ctx context.Context) (int, error)
	// CollectGarbage deletes acknowledged events past retention.
	CollectGarbage(ctx context.Context) (int64, error)
}

// KeyManager owns the signing key set.
type KeyManager interface {
	ActiveKey() (*model.SigningKey, error)
	VerificationKeys() []*model.SigningKey
	// VerificationKey returns the key with kid if it verifies a token issued at iat.
	VerificationKey(kid string, iat time.Time) (*model.SigningKey, error)
	Rotate(ctx context.Context) (*model.SigningKey, error)
	Load(ctx context.Context) error
	Refresh(ctx context.Context) error
	RetireExpired(ctx context.Context) ([]string, error)
	Run(ctx context.Context)
	JWKS() JWKS
}

// TokenService issues and verifies RS256 tokens.
type TokenService interface {
	Issue(subject string, roles []string, ttl time.Duration) (string, error)
	// IssuePair signs an access token and a refresh token for subject. The
	// returned record must be saved before the refresh token is handed out.
	IssuePair(subject string, roles []string) (*model.TokenPair, *model.RefreshTokenRecord, error)
	Verify(token string) (*model.Claims, error)
	MaxLifetime() time.Duration
}

// AuthService defines login and refresh-token flows.
type AuthService interface {
	Register(ctx context.Context, params *model.CreateUserParams) (*model.User, error)
	Login(ctx context.Context, email, password string) (*model.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// EventHandler processes consumed order events.
type EventHandler interface {
	Handle(ctx context.Context, envelope *model.EventEnvelope) error
}
