package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

type signingKeyRepo struct {
	s *Store
}

func (r *signingKeyRepo) ListUsable(ctx context.Context) ([]*model.SigningKey, error) {
	keys, _ := r.ListAll(ctx)

	return slices.DeleteFunc(keys, func(k *model.SigningKey) bool {
		return k.Status == model.KeyStatusRetired
	}), nil
}

func (r *signingKeyRepo) ListAll(context.Context) ([]*model.SigningKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	keys := make([]*model.SigningKey, 0, len(r.s.keys))
	for _, k := range r.s.keys {
		keys = append(keys, cloneKey(k))
	}

	slices.SortFunc(keys, func(a, b *model.SigningKey) int { return a.NotBefore.Compare(b.NotBefore) })

	return keys, nil
}

func (r *signingKeyRepo) LockActive(ctx context.Context) (*model.SigningKey, error) {
	if _, ok := txFrom(ctx); !ok {
		return nil, repository.ErrNoTransaction
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, k := range r.s.keys {
		if k.Status == model.KeyStatusActive {
			return cloneKey(k), nil
		}
	}

	return nil, nil
}

func (r *signingKeyRepo) Insert(ctx context.Context, key *model.SigningKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.keys[key.KeyID]; exists {
		return fmt.Errorf("signing key %s already exists", key.KeyID)
	}

	if key.Status == model.KeyStatusActive {
		for _, k := range r.s.keys {
			if k.Status == model.KeyStatusActive {
				return model.ErrKeyRotationConflict
			}
		}
	}

	r.s.keys[key.KeyID] = cloneKey(key)

	onRollback(ctx, func() { delete(r.s.keys, key.KeyID) })

	return nil
}

func (r *signingKeyRepo) Demote(ctx context.Context, keyID string, notAfter time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	k, ok := r.s.keys[keyID]
	if !ok || k.Status != model.KeyStatusActive {
		return model.ErrKeyRotationConflict
	}

	prev := cloneKey(k)
	k.Status = model.KeyStatusRetiringGrace
	k.NotAfter = &notAfter

	onRollback(ctx, func() { r.s.keys[keyID] = prev })

	return nil
}

func (r *signingKeyRepo) RetireExpired(ctx context.Context, now time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var retired []string

	for id, k := range r.s.keys {
		if k.Status != model.KeyStatusRetiringGrace || k.NotAfter == nil || k.NotAfter.After(now) {
			continue
		}

		prev := cloneKey(k)
		at := now
		k.Status = model.KeyStatusRetired
		k.RetiredAt = &at
		retired = append(retired, id)

		onRollback(ctx, func() { r.s.keys[id] = prev })
	}

	slices.Sort(retired)

	return retired, nil
}

func cloneKey(k *model.SigningKey) *model.SigningKey {
	c := *k
	c.NotAfter = cloneTime(k.NotAfter)
	c.RetiredAt = cloneTime(k.RetiredAt)

	return &c
}

type refreshStore struct {
	s *Store
}

func (r *refreshStore) Save(_ context.Context, rec *model.RefreshTokenRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *rec
	r.s.refresh[rec.TokenID] = &c

	return nil
}

func (r *refreshStore) Rotate(_ context.Context, oldID string, next *model.RefreshTokenRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	old, ok := r.s.refresh[oldID]
	if !ok || !old.ExpiresAt.After(r.s.now()) {
		delete(r.s.refresh, oldID)

		userID, reused := r.s.refreshUsed[oldID]
		if !reused {
			return model.ErrTokenRevoked
		}

		r.revokeAllLocked(userID)

		return fmt.Errorf("%w: refresh token reused", model.ErrTokenRevoked)
	}

	delete(r.s.refresh, oldID)
	r.s.refreshUsed[oldID] = old.UserID

	c := *next
	r.s.refresh[next.TokenID] = &c

	return nil
}

func (r *refreshStore) Revoke(_ context.Context, tokenID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.refresh, tokenID)

	return nil
}

func (r *refreshStore) RevokeAll(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.revokeAllLocked(userID)

	return nil
}

func (r *refreshStore) revokeAllLocked(userID string) {
	for id, rec := range r.s.refresh {
		if rec.UserID == userID {
			delete(r.s.refresh, id)
		}
	}
}

type dedupStore struct {
	s *Store
}

func (d *dedupStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	now := d.s.now()
	if until, ok := d.s.dedup[key]; ok && until.After(now) {
		return false, nil
	}

	d.s.dedup[key] = now.Add(ttl)

	return true, nil
}

func (d *dedupStore) Forget(_ context.Context, key string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	delete(d.s.dedup, key)

	return nil
}
