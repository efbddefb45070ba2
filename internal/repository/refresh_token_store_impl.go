package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

const (
	refreshKeyPrefix     = "refresh:"
	refreshUsedKeyPrefix = "refresh:used:"
	refreshUserKeyPrefix = "refresh:user:"
)

// RefreshTokenStoreImpl implements RefreshTokenStore on Redis.
//
// Live tokens are stored under refresh:<jti>. Rotation deletes that key
// atomically with GETDEL, so exactly one caller wins; the loser finds the
// refresh:used:<jti> tombstone and revokes the whole family.
type RefreshTokenStoreImpl struct {
	client rueidis.Client
	now    func() time.Time
}

// NewRefreshTokenStoreImpl creates a new RefreshTokenStore implementation.
func NewRefreshTokenStoreImpl(client rueidis.Client) RefreshTokenStore {
	return &RefreshTokenStoreImpl{client: client, now: time.Now}
}

// Save stores rec until it expires.
func (s *RefreshTokenStoreImpl) Save(ctx context.Context, rec *model.RefreshTokenRecord) error {
	ttl := s.ttl(rec.ExpiresAt)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	userKey := refreshUserKeyPrefix + rec.UserID
	cmds := rueidis.Commands{
		s.client.B().Set().Key(refreshKeyPrefix + rec.TokenID).Value(string(data)).ExSeconds(ttl).Build(),
		s.client.B().Sadd().Key(userKey).Member(rec.TokenID).Build(),
		s.client.B().Expire().Key(userKey).Seconds(ttl).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}

	return nil
}

// Rotate consumes oldID and stores next in its place.
func (s *RefreshTokenStoreImpl) Rotate(ctx context.Context, oldID string, next *model.RefreshTokenRecord) error {
	raw, err := s.client.Do(ctx, s.client.B().Getdel().Key(refreshKeyPrefix+oldID).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return s.handleReuse(ctx, oldID)
	}

	if err != nil {
		return fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var old model.RefreshTokenRecord
	if err := json.Unmarshal([]byte(raw), &old); err != nil {
		return fmt.Errorf("failed to decode refresh token: %w", err)
	}

	cmds := rueidis.Commands{
		s.client.B().Set().Key(refreshUsedKeyPrefix + oldID).Value(old.UserID).ExSeconds(s.ttl(old.ExpiresAt)).Build(),
		s.client.B().Srem().Key(refreshUserKeyPrefix + old.UserID).Member(oldID).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to tombstone refresh token: %w", err)
		}
	}

	return s.Save(ctx, next)
}

// Revoke deletes a single refresh token.
func (s *RefreshTokenStoreImpl) Revoke(ctx context.Context, tokenID string) error {
	raw, err := s.client.Do(ctx, s.client.B().Getdel().Key(refreshKeyPrefix+tokenID).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	var rec model.RefreshTokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err == nil {
		_ = s.client.Do(ctx, s.client.B().Srem().Key(refreshUserKeyPrefix+rec.UserID).Member(tokenID).Build()).Error()
	}

	return nil
}

// RevokeAll deletes every live refresh token of userID.
func (s *RefreshTokenStoreImpl) RevokeAll(ctx context.Context, userID string) error {
	userKey := refreshUserKeyPrefix + userID

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(userKey).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, refreshKeyPrefix+id)
	}

	keys = append(keys, userKey)

	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	return nil
}

func (s *RefreshTokenStoreImpl) handleReuse(ctx context.Context, oldID string) error {
	userID, err := s.client.Do(ctx, s.client.B().Get().Key(refreshUsedKeyPrefix+oldID).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return model.ErrTokenRevoked
	}

	if err != nil {
		return fmt.Errorf("failed to check refresh token reuse: %w", err)
	}

	if err := s.RevokeAll(ctx, userID); err != nil {
		return err
	}

	return fmt.Errorf("%w: refresh token reused", model.ErrTokenRevoked)
}

func (s *RefreshTokenStoreImpl) ttl(expiresAt time.Time) int64 {
	secs := int64(expiresAt.Sub(s.now()).Seconds())
	if secs < 1 {
		return 1
	}

	return secs
}
