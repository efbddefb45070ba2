// Package memory provides in-process implementations of the repository
// interfaces. Transactions are serialized and rolled back with an undo log;
// outbox events appended inside a transaction stay invisible until commit.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

// Store holds all in-memory tables.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	now  func() time.Time

	outboxSeq  int64
	orderSeq   int64
	productSeq int64
	userSeq    int64

	outbox      map[int64]*model.OutboxEvent
	orders      map[int64]*model.Order
	products    map[int64]*model.Product
	users       map[int64]*model.User
	keys        map[string]*model.SigningKey
	refresh     map[string]*model.RefreshTokenRecord
	refreshUsed map[string]string
	dedup       map[string]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for operations that read the current time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		outbox:      make(map[int64]*model.OutboxEvent),
		orders:      make(map[int64]*model.Order),
		products:    make(map[int64]*model.Product),
		users:       make(map[int64]*model.User),
		keys:        make(map[string]*model.SigningKey),
		refresh:     make(map[string]*model.RefreshTokenRecord),
		refreshUsed: make(map[string]string),
		dedup:       make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Outbox returns the outbox repository view of the store.
func (s *Store) Outbox() repository.OutboxRepository { return &outboxRepo{s: s} }

// Orders returns the order repository view of the store.
func (s *Store) Orders() repository.OrderRepository { return &orderRepo{s: s} }

// Products returns the product repository view of the store.
func (s *Store) Products() repository.ProductRepository { return &productRepo{s: s} }

// Users returns the user repository view of the store.
func (s *Store) Users() repository.UserRepository { return &userRepo{s: s} }

// SigningKeys returns the signing key repository view of the store.
func (s *Store) SigningKeys() repository.SigningKeyRepository { return &signingKeyRepo{s: s} }

// RefreshTokens returns the refresh token store view of the store.
func (s *Store) RefreshTokens() repository.RefreshTokenStore { return &refreshStore{s: s} }

// Dedup returns the consumer dedup store view of the store.
func (s *Store) Dedup() repository.DedupStore { return &dedupStore{s: s} }

type txKey struct{}

type txState struct {
	undo   []func()
	outbox []*model.OutboxEvent
}

func txFrom(ctx context.Context) (*txState, bool) {
	tx, ok := ctx.Value(txKey{}).(*txState)
	return tx, ok
}

// WithTransaction runs fn with exclusive access to the store. Changes made by
// fn are undone when it returns an error.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txState{}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()

		return fmt.Errorf("%w: %w", model.ErrTransactionFailure, err)
	}

	s.mu.Lock()
	for _, e := range tx.outbox {
		s.outbox[e.ID] = e
	}
	s.mu.Unlock()

	return nil
}

// onRollback registers undo to run if the transaction in ctx is rolled back.
// Callers hold s.mu.
func onRollback(ctx context.Context, undo func()) {
	if tx, ok := txFrom(ctx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
