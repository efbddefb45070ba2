package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
	"github.com/Lizaveta3333/liza-backend/internal/repository/memory"
	"github.com/Lizaveta3333/liza-backend/internal/service"
)

func newAuthService(t *testing.T) (service.AuthService, *memory.Store, *testClock) {
	t.Helper()

	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	km := newTestKeyManager(t, store, clock, 48*time.Hour)
	tokens := service.NewTokenServiceImpl(km, service.TokenServiceConfig{
		Issuer:      "liza-backend",
		MaxLifetime: 24 * time.Hour,
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}, clock.Now)

	return service.NewAuthServiceImpl(store.Users(), store.RefreshTokens(), tokens), store, clock
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	auth, _, _ := newAuthService(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, &model.CreateUserParams{Email: "a@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, []string{model.RoleBuyer}, user.Roles)
	assert.NotEqual(t, "secret1", user.PasswordHash)

	_, err = auth.Register(ctx, &model.CreateUserParams{Email: "a@example.com", Password: "secret1"})
	require.ErrorIs(t, err, repository.ErrDuplicateEmail)

	_, err = auth.Register(ctx, &model.CreateUserParams{Email: "b@example.com", Password: "123"})
	require.ErrorIs(t, err, model.ErrInvalidPassword)

	pair, err := auth.Login(ctx, "a@example.com", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	_, err = auth.Login(ctx, "a@example.com", "wrong-password")
	require.ErrorIs(t, err, model.ErrInvalidCredentials)

	_, err = auth.Login(ctx, "nobody@example.com", "secret1")
	require.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestAuth_LongPasswordsAreTruncated(t *testing.T) {
	auth, _, _ := newAuthService(t)
	ctx := context.Background()

	long := strings.Repeat("p", 72)

	_, err := auth.Register(ctx, &model.CreateUserParams{Email: "long@example.com", Password: long + "tail-one"})
	require.NoError(t, err)

	_, err = auth.Login(ctx, "long@example.com", long+"tail-two")
	require.NoError(t, err)
}

func TestAuth_BlockedUser(t *testing.T) {
	auth, store, _ := newAuthService(t)
	ctx := context.Background()

	user, err := auth.Register(ctx, &model.CreateUserParams{Email: "c@example.com", Password: "secret1"})
	require.NoError(t, err)

	pair, err := auth.Login(ctx, "c@example.com", "secret1")
	require.NoError(t, err)

	store.BlockUser(user.ID)

	_, err = auth.Login(ctx, "c@example.com", "secret1")
	require.ErrorIs(t, err, model.ErrUserBlocked)

	_, err = auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, model.ErrUserBlocked)
}

func TestAuth_RefreshRotationAndReplay(t *testing.T) {
	auth, _, clock := newAuthService(t)
	ctx := context.Background()

	_, err := auth.Register(ctx, &model.CreateUserParams{Email: "d@example.com", Password: "secret1"})
	require.NoError(t, err)

	first, err := auth.Login(ctx, "d@example.com", "secret1")
	require.NoError(t, err)

	clock.Advance(time.Minute)

	second, err := auth.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Presenting the consumed token again revokes the whole family.
	_, err = auth.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, model.ErrTokenRevoked)
	require.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = auth.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, model.ErrTokenRevoked)
}

func TestAuth_Logout(t *testing.T) {
	auth, _, _ := newAuthService(t)
	ctx := context.Background()

	_, err := auth.Register(ctx, &model.CreateUserParams{Email: "e@example.com", Password: "secret1"})
	require.NoError(t, err)

	pair, err := auth.Login(ctx, "e@example.com", "secret1")
	require.NoError(t, err)

	err = auth.Logout(ctx, pair.AccessToken)
	require.ErrorIs(t, err, model.ErrTokenMalformed, "access tokens cannot be used as refresh tokens")

	require.NoError(t, auth.Logout(ctx, pair.RefreshToken))

	_, err = auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, model.ErrTokenRevoked)
}
