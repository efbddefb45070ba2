package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lizaveta3333/liza-backend/internal/metrics"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

const (
	defaultKeyBits = 2048

	// missRefreshInterval limits store reloads triggered by unknown key ids.
	missRefreshInterval = 5 * time.Second
	keyLookupTimeout    = 5 * time.Second
)

// JWK is the public half of a signing key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeyManagerImpl keeps the signing key set in memory and rotates it through
// the key store.
type KeyManagerImpl struct {
	repo            repository.SigningKeyRepository
	transactionMgr  repository.TransactionManager
	grace           time.Duration
	refreshInterval time.Duration
	keyBits         int
	now             func() time.Time

	rotateMu sync.Mutex

	missMu          sync.Mutex
	lastMissRefresh time.Time

	mu     sync.RWMutex
	active *model.SigningKey
	keys   map[string]*model.SigningKey
}

// KeyManagerOption configures a KeyManagerImpl.
type KeyManagerOption func(*KeyManagerImpl)

// WithKeyClock overrides the key manager's clock.
func WithKeyClock(now func() time.Time) KeyManagerOption {
	return func(m *KeyManagerImpl) { m.now = now }
}

// WithKeyBits sets the RSA modulus size of generated keys.
func WithKeyBits(bits int) KeyManagerOption {
	return func(m *KeyManagerImpl) { m.keyBits = bits }
}

// WithRefreshInterval sets how often Run reloads and retires keys.
func WithRefreshInterval(d time.Duration) KeyManagerOption {
	return func(m *KeyManagerImpl) { m.refreshInterval = d }
}

// NewKeyManagerImpl creates a key manager. grace is how long a demoted key
// keeps verifying; it must be at least the maximum token lifetime. Demoted
// keys verify for one extra refresh interval, covering tokens signed by
// instances that have not reloaded the key set yet.
func NewKeyManagerImpl(
	repo repository.SigningKeyRepository,
	transactionMgr repository.TransactionManager,
	grace time.Duration,
	opts ...KeyManagerOption,
) *KeyManagerImpl {
	m := &KeyManagerImpl{
		repo:            repo,
		transactionMgr:  transactionMgr,
		grace:           grace,
		refreshInterval: time.Minute,
		keyBits:         defaultKeyBits,
		now:             time.Now,
		keys:            make(map[string]*model.SigningKey),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// ActiveKey returns the key new tokens are signed with.
func (m *KeyManagerImpl) ActiveKey() (*model.SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return nil, model.ErrNoActiveKey
	}

	return m.active, nil
}

// VerificationKeys returns the Active key and every key still in its grace period.
func (m *KeyManagerImpl) VerificationKeys() []*model.SigningKey {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*model.SigningKey, 0, len(m.keys))

	for _, k := range m.keys {
		if k.Status == model.KeyStatusActive ||
			(k.Status == model.KeyStatusRetiringGrace && k.NotAfter != nil && now.Before(*k.NotAfter)) {
			keys = append(keys, k)
		}
	}

	slices.SortFunc(keys, func(a, b *model.SigningKey) int { return b.NotBefore.Compare(a.NotBefore) })

	return keys
}

// VerificationKey returns the key kid when its window covers a token issued at iat.
// An unknown kid reloads the key set once, at most every missRefreshInterval,
// so keys promoted by another instance are picked up before the next
// scheduled refresh.
func (m *KeyManagerImpl) VerificationKey(kid string, iat time.Time) (*model.SigningKey, error) {
	k, ok := m.lookup(kid)
	if !ok && m.refreshOnMiss(kid) {
		k, ok = m.lookup(kid)
	}

	if !ok || !k.Verifies(iat, m.now()) {
		return nil, model.ErrKeyNotFound
	}

	return k, nil
}

func (m *KeyManagerImpl) lookup(kid string) (*model.SigningKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[kid]

	return k, ok
}

// refreshOnMiss reloads the key set unless another miss did so recently.
// It reports whether the set was reloaded.
func (m *KeyManagerImpl) refreshOnMiss(kid string) bool {
	m.missMu.Lock()
	defer m.missMu.Unlock()

	if _, ok := m.lookup(kid); ok {
		return true
	}

	now := m.now()
	if !m.lastMissRefresh.IsZero() && now.Sub(m.lastMissRefresh) < missRefreshInterval {
		return false
	}

	m.lastMissRefresh = now

	ctx, cancel := context.WithTimeout(context.Background(), keyLookupTimeout)
	defer cancel()

	if err := m.Refresh(ctx); err != nil {
		slog.Warn("failed to reload signing keys for unknown kid",
			slog.String("kid", kid),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

// Rotate generates a new Active key and demotes the current one into its
// grace period. It fails with ErrKeyRotationConflict when the stored Active
// key is not the one this instance holds.
func (m *KeyManagerImpl) Rotate(ctx context.Context) (*model.SigningKey, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	m.mu.RLock()
	expected := ""
	if m.active != nil {
		expected = m.active.KeyID
	}
	m.mu.RUnlock()

	now := m.now().Truncate(time.Second)

	next, err := m.generateKey(now)
	if err != nil {
		return nil, err
	}

	notAfter := now.Add(m.grace + m.refreshInterval)

	err = m.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := m.repo.LockActive(ctx)
		if err != nil {
			return err
		}

		currentID := ""
		if current != nil {
			currentID = current.KeyID
		}

		if currentID != expected {
			return fmt.Errorf("%w: expected active key %q, found %q", model.ErrKeyRotationConflict, expected, currentID)
		}

		if current != nil {
			if err := m.repo.Demote(ctx, current.KeyID, notAfter); err != nil {
				return err
			}
		}

		return m.repo.Insert(ctx, next)
	})
	if err != nil {
		if errors.Is(err, model.ErrKeyRotationConflict) {
			if refreshErr := m.Refresh(ctx); refreshErr != nil {
				slog.Warn("failed to reload keys after rotation conflict", slog.String("error", refreshErr.Error()))
			}
		}

		return nil, err
	}

	m.mu.Lock()
	keys := make(map[string]*model.SigningKey, len(m.keys)+1)
	for id, k := range m.keys {
		keys[id] = k
	}

	if m.active != nil {
		demoted := *m.active
		demoted.Status = model.KeyStatusRetiringGrace
		demoted.NotAfter = &notAfter
		keys[demoted.KeyID] = &demoted
	}

	keys[next.KeyID] = next
	m.keys = keys
	m.active = next
	m.mu.Unlock()

	metrics.KeyRotations.Inc()
	slog.Info("signing key rotated",
		slog.String("kid", next.KeyID),
		slog.String("previous_kid", expected),
		slog.Time("grace_until", notAfter),
	)

	return next, nil
}

// Load reads the key set and creates the first key when the store is empty.
func (m *KeyManagerImpl) Load(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return err
	}

	if _, err := m.ActiveKey(); err == nil {
		return nil
	}

	if _, err := m.Rotate(ctx); err != nil {
		if errors.Is(err, model.ErrKeyRotationConflict) {
			// another instance bootstrapped first and Rotate reloaded its key
			if _, activeErr := m.ActiveKey(); activeErr == nil {
				return nil
			}
		}

		return fmt.Errorf("failed to create initial signing key: %w", err)
	}

	return nil
}

// Refresh replaces the in-memory key set with the stored one.
func (m *KeyManagerImpl) Refresh(ctx context.Context) error {
	stored, err := m.repo.ListUsable(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	keys := make(map[string]*model.SigningKey, len(stored))

	var active *model.SigningKey

	for _, k := range stored {
		keys[k.KeyID] = k
		if k.Status == model.KeyStatusActive {
			active = k
		}
	}

	m.mu.Lock()
	m.keys = keys
	m.active = active
	m.mu.Unlock()

	return nil
}

// RetireExpired retires keys whose grace period elapsed and reloads the set.
func (m *KeyManagerImpl) RetireExpired(ctx context.Context) ([]string, error) {
	retired, err := m.repo.RetireExpired(ctx, m.now())
	if err != nil {
		return nil, err
	}

	for _, kid := range retired {
		slog.Info("signing key retired", slog.String("kid", kid))
	}

	return retired, m.Refresh(ctx)
}

// Run retires expired keys and picks up rotations made by other instances
// until ctx is done.
func (m *KeyManagerImpl) Run(ctx context.Context) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RetireExpired(ctx); err != nil && ctx.Err() == nil {
				slog.Error("failed to refresh signing keys", slog.String("error", err.Error()))
			}
		}
	}
}

// JWKS exports the verification keys.
func (m *KeyManagerImpl) JWKS() JWKS {
	keys := m.VerificationKeys()
	set := JWKS{Keys: make([]JWK, 0, len(keys))}

	for _, k := range keys {
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: k.KeyID,
			N:   base64.RawURLEncoding.EncodeToString(k.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.PublicKey.E)).Bytes()),
		})
	}

	return set
}

func (m *KeyManagerImpl) generateKey(now time.Time) (*model.SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &model.SigningKey{
		KeyID:      uuid.NewString(),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		NotBefore:  now,
		Status:     model.KeyStatusActive,
		CreatedAt:  now,
	}, nil
}
