package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

const dedupKeyPrefix = "dedup:"

// DedupStoreImpl implements DedupStore with Redis SET NX.
type DedupStoreImpl struct {
	client rueidis.Client
}

// NewDedupStoreImpl creates a new DedupStore implementation.
func NewDedupStoreImpl(client rueidis.Client) DedupStore {
	return &DedupStoreImpl{client: client}
}

// MarkProcessed records key for ttl and reports whether it was new.
func (s *DedupStoreImpl) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	secs := int64(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}

	err := s.client.Do(ctx, s.client.B().Set().Key(dedupKeyPrefix+key).Value("1").Nx().ExSeconds(secs).Build()).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to record dedup key: %w", err)
	}

	return true, nil
}

// Forget deletes key.
func (s *DedupStoreImpl) Forget(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(dedupKeyPrefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete dedup key: %w", err)
	}

	return nil
}
