package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/repository/memory"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

func TestKeyManager_LoadBootstrapsOnce(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	first := newTestKeyManager(t, store, clock, time.Hour)
	second := newTestKeyManager(t, store, clock, time.Hour)

	a, err := first.ActiveKey()
	require.NoError(t, err)

	b, err := second.ActiveKey()
	require.NoError(t, err)

	assert.Equal(t, a.KeyID, b.KeyID)

	all, err := store.SigningKeys().ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestKeyManager_RotationGrace(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	km := newTestKeyManager(t, store, clock, 2*time.Hour)
	tokens := service.NewTokenServiceImpl(km, service.TokenServiceConfig{
		Issuer:      "test",
		MaxLifetime: 2 * time.Hour,
		AccessTTL:   time.Hour,
		RefreshTTL:  2 * time.Hour,
	}, clock.Now)

	clock.Advance(30 * time.Minute)

	oldToken, err := tokens.Issue("42", nil, 2*time.Hour)
	require.NoError(t, err)

	old, err := km.ActiveKey()
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)

	next, err := km.Rotate(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, old.KeyID, next.KeyID)

	active, err := km.ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, active.KeyID)

	newToken, err := tokens.Issue("42", nil, time.Hour)
	require.NoError(t, err)

	claims, err := tokens.Verify(newToken)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, claims.KeyID)

	// Tokens signed before rotation keep verifying during the grace period.
	clock.Advance(time.Hour)

	claims, err = tokens.Verify(oldToken)
	require.NoError(t, err)
	assert.Equal(t, old.KeyID, claims.KeyID)

	kids := make([]string, 0, 2)
	for _, k := range km.VerificationKeys() {
		kids = append(kids, k.KeyID)
	}

	assert.ElementsMatch(t, []string{old.KeyID, next.KeyID}, kids)

	// After the grace period and one refresh interval the old key is retired.
	clock.Advance(time.Hour + time.Minute + time.Second)

	retired, err := km.RetireExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{old.KeyID}, retired)

	_, err = tokens.Verify(oldToken)
	require.ErrorIs(t, err, model.ErrKeyNotFound)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	require.Len(t, km.VerificationKeys(), 1)
}

func TestKeyManager_ConcurrentRotationConflict(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	a := newTestKeyManager(t, store, clock, time.Hour)
	b := newTestKeyManager(t, store, clock, time.Hour)

	rotated, err := a.Rotate(context.Background())
	require.NoError(t, err)

	_, err = b.Rotate(context.Background())
	require.ErrorIs(t, err, model.ErrKeyRotationConflict)

	// The losing instance reloads and now signs with the winner's key.
	active, err := b.ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, active.KeyID)

	all, err := store.SigningKeys().ListAll(context.Background())
	require.NoError(t, err)

	activeCount := 0

	for _, k := range all {
		if k.Status == model.KeyStatusActive {
			activeCount++
		}
	}

	assert.Equal(t, 1, activeCount)
	assert.Len(t, all, 2)
}

func TestKeyManager_JWKS(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	km := newTestKeyManager(t, store, clock, time.Hour)

	_, err := km.Rotate(context.Background())
	require.NoError(t, err)

	set := km.JWKS()
	require.Len(t, set.Keys, 2)

	for _, k := range set.Keys {
		assert.Equal(t, "RSA", k.Kty)
		assert.Equal(t, "RS256", k.Alg)
		assert.Equal(t, "sig", k.Use)
		assert.NotEmpty(t, k.Kid)
		assert.NotEmpty(t, k.N)
		assert.Equal(t, "AQAB", k.E)
	}
}

func testTokenService(km service.KeyManager, clock *testClock) *service.TokenServiceImpl {
	return service.NewTokenServiceImpl(km, service.TokenServiceConfig{
		Issuer:      "test",
		MaxLifetime: 2 * time.Hour,
		AccessTTL:   time.Hour,
		RefreshTTL:  2 * time.Hour,
	}, clock.Now)
}

func TestKeyManager_RotationSeenByOtherInstances(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	admin := newTestKeyManager(t, store, clock, 2*time.Hour)
	api := newTestKeyManager(t, store, clock, 2*time.Hour)
	other := newTestKeyManager(t, store, clock, 2*time.Hour)
	stale := newTestKeyManager(t, store, clock, 2*time.Hour)

	old, err := api.ActiveKey()
	require.NoError(t, err)

	next, err := admin.Rotate(context.Background())
	require.NoError(t, err)

	// A token signed with the new key verifies on an instance that has not
	// reloaded yet.
	require.NoError(t, other.Refresh(context.Background()))

	token, err := testTokenService(other, clock).Issue("42", nil, time.Hour)
	require.NoError(t, err)

	apiTokens := testTokenService(api, clock)

	claims, err := apiTokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, claims.KeyID)

	active, err := api.ActiveKey()
	require.NoError(t, err)
	assert.Equal(t, next.KeyID, active.KeyID, "the reload also picks up the new signing key")

	// An instance that reloads late still signs with the demoted key; its
	// tokens verify for their whole lifetime.
	clock.Advance(30 * time.Second)

	staleToken, err := testTokenService(stale, clock).Issue("42", nil, 2*time.Hour)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, stale.Refresh(context.Background()))

	clock.Advance(2*time.Hour - 40*time.Second)

	claims, err = apiTokens.Verify(staleToken)
	require.NoError(t, err)
	assert.Equal(t, old.KeyID, claims.KeyID)
}

type countingKeys struct {
	repository.SigningKeyRepository
	loads atomic.Int32
}

func (c *countingKeys) ListUsable(ctx context.Context) ([]*model.SigningKey, error) {
	c.loads.Add(1)
	return c.SigningKeyRepository.ListUsable(ctx)
}

func TestKeyManager_UnknownKidReloadIsRateLimited(t *testing.T) {
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	keys := &countingKeys{SigningKeyRepository: store.SigningKeys()}
	km := service.NewKeyManagerImpl(keys, store, 2*time.Hour,
		service.WithKeyClock(clock.Now),
		service.WithKeyBits(1024),
	)
	require.NoError(t, km.Load(context.Background()))

	foreignStore := memory.NewStore(memory.WithClock(clock.Now))
	foreign := newTestKeyManager(t, foreignStore, clock, 2*time.Hour)

	token, err := testTokenService(foreign, clock).Issue("42", nil, time.Hour)
	require.NoError(t, err)

	tokens := testTokenService(km, clock)
	loads := keys.loads.Load()

	for range 3 {
		_, err = tokens.Verify(token)
		require.ErrorIs(t, err, model.ErrKeyNotFound)
	}

	assert.Equal(t, loads+1, keys.loads.Load(), "one reload per interval")

	clock.Advance(6 * time.Second)

	_, err = tokens.Verify(token)
	require.ErrorIs(t, err, model.ErrKeyNotFound)
	assert.Equal(t, loads+2, keys.loads.Load())
}
