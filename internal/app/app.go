// Package app wires repositories, the token stack and publishers from config
// for the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/Lizaveta3333/liza-backend/internal/bus"
	"github.com/Lizaveta3333/liza-backend/internal/config"
	"github.com/Lizaveta3333/liza-backend/internal/dlq"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/repository/memory"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

// Repositories is the storage layer selected by STORE_DRIVER.
type Repositories struct {
	Users          repository.UserRepository
	Products       repository.ProductRepository
	Orders         repository.OrderRepository
	Outbox         repository.OutboxRepository
	SigningKeys    repository.SigningKeyRepository
	RefreshTokens  repository.RefreshTokenStore
	Dedup          repository.DedupStore
	TransactionMgr repository.TransactionManager

	// Redis is nil when neither the store nor the bus needs it.
	Redis rueidis.Client

	closers []func()
}

// Close releases every connection opened by Open.
func (r *Repositories) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Open connects the configured store. The Postgres driver runs the schema
// migration and keeps refresh tokens and dedup keys in Redis.
func Open(ctx context.Context, cfg *config.Config) (*Repositories, error) {
	repos := &Repositories{}

	if cfg.StoreDriver == config.StoreDriverPostgres || cfg.BusDriver == config.BusDriverRedis {
		redisClient, err := setupRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		repos.Redis = redisClient
		repos.closers = append(repos.closers, redisClient.Close)
	}

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store := memory.NewStore()
		repos.Users = store.Users()
		repos.Products = store.Products()
		repos.Orders = store.Orders()
		repos.Outbox = store.Outbox()
		repos.SigningKeys = store.SigningKeys()
		repos.RefreshTokens = store.RefreshTokens()
		repos.Dedup = store.Dedup()
		repos.TransactionMgr = store

		slog.Warn("using in-memory store, data is lost on exit")
	default:
		dbPool, err := setupDatabase(ctx, cfg)
		if err != nil {
			repos.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		repos.closers = append(repos.closers, dbPool.Close)

		if err := repository.Migrate(ctx, dbPool); err != nil {
			repos.Close()
			return nil, err
		}

		repos.Users = repository.NewUserRepositoryImpl(dbPool)
		repos.Products = repository.NewProductRepositoryImpl(dbPool)
		repos.Orders = repository.NewOrderRepositoryImpl(dbPool)
		repos.Outbox = repository.NewOutboxRepositoryImpl(dbPool)
		repos.SigningKeys = repository.NewSigningKeyRepositoryImpl(dbPool)
		repos.TransactionMgr = repository.NewTransactionManagerImpl(dbPool)
		repos.RefreshTokens = repository.NewRefreshTokenStoreImpl(repos.Redis)
		repos.Dedup = repository.NewDedupStoreImpl(repos.Redis)
	}

	return repos, nil
}

// NewTokenStack loads the signing keys and builds the token service.
func NewTokenStack(
	ctx context.Context, cfg *config.Config, repos *Repositories,
) (*service.KeyManagerImpl, *service.TokenServiceImpl, error) {
	keys := service.NewKeyManagerImpl(repos.SigningKeys, repos.TransactionMgr, cfg.KeyRotationGrace,
		service.WithRefreshInterval(cfg.KeyRefreshInterval),
	)
	if err := keys.Load(ctx); err != nil {
		return nil, nil, err
	}

	tokens := service.NewTokenServiceImpl(keys, service.TokenServiceConfig{
		Issuer:      cfg.TokenIssuer,
		MaxLifetime: cfg.TokenMaxLifetime,
		AccessTTL:   cfg.AccessTokenTTL,
		RefreshTTL:  cfg.RefreshTokenTTL,
	}, nil)

	return keys, tokens, nil
}

// NewDeadLetterSink returns the Redis DLQ when Redis is available.
func NewDeadLetterSink(cfg *config.Config, repos *Repositories) dlq.Sink {
	if repos.Redis == nil {
		return dlq.Discard{}
	}

	return dlq.New(repos.Redis, cfg.DLQKey)
}

// NewPublishers builds cfg.PublisherWorkers publisher loops, each with its own
// lease owner.
func NewPublishers(cfg *config.Config, repos *Repositories, publisher bus.Publisher) []service.OutboxService {
	sink := NewDeadLetterSink(cfg, repos)
	workers := make([]service.OutboxService, 0, cfg.PublisherWorkers)

	for range cfg.PublisherWorkers {
		workers = append(workers, service.NewOutboxServiceImpl(repos.Outbox, publisher, service.PublisherConfig{
			Owner:           "publisher-" + uuid.NewString(),
			Topic:           cfg.EventTopic,
			BatchSize:       cfg.PublisherBatchSize,
			PollInterval:    cfg.PublisherPollInterval,
			Lease:           cfg.PublisherLease,
			RetryCeiling:    cfg.PublisherRetryCeiling,
			BackoffBase:     cfg.PublisherBackoffBase,
			BackoffCap:      cfg.PublisherBackoffCap,
			ShutdownTimeout: cfg.PublisherShutdownTimeout,
			Retention:       cfg.OutboxRetention,
			GCInterval:      cfg.OutboxGCInterval,
		}, service.WithDeadLetter(sink)))
	}

	return workers
}

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, err
	}

	return dbPool, nil
}

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}
