package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

// bcrypt ignores input past 72 bytes and newer versions reject it.
const bcryptMaxPasswordBytes = 72

// AuthServiceImpl implements AuthService for user registration and token flows.
type AuthServiceImpl struct {
	userRepo     repository.UserRepository
	refreshStore repository.RefreshTokenStore
	tokens       TokenService
}

// NewAuthServiceImpl creates a new AuthService implementation.
func NewAuthServiceImpl(
	userRepo repository.UserRepository,
	refreshStore repository.RefreshTokenStore,
	tokens TokenService,
) AuthService {
	return &AuthServiceImpl{
		userRepo:     userRepo,
		refreshStore: refreshStore,
		tokens:       tokens,
	}
}

// Register creates a user with a bcrypt password hash.
func (s *AuthServiceImpl) Register(ctx context.Context, params *model.CreateUserParams) (*model.User, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	hash, err := HashPassword(params.Password)
	if err != nil {
		return nil, err
	}

	roles := params.Roles
	if len(roles) == 0 {
		roles = []string{model.RoleBuyer}
	}

	return s.userRepo.Create(ctx, params.Email, hash, roles)
}

// Login checks credentials and issues a token pair.
func (s *AuthServiceImpl) Login(ctx context.Context, email, password string) (*model.TokenPair, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if errors.Is(err, model.ErrUserNotFound) {
		return nil, model.ErrInvalidCredentials
	}

	if err != nil {
		return nil, err
	}

	if !CheckPassword(user.PasswordHash, password) {
		return nil, model.ErrInvalidCredentials
	}

	if user.Status == model.UserStatusBlocked {
		return nil, model.ErrUserBlocked
	}

	pair, rec, err := s.tokens.IssuePair(strconv.FormatInt(user.ID, 10), user.Roles)
	if err != nil {
		return nil, err
	}

	if err := s.refreshStore.Save(ctx, rec); err != nil {
		return nil, err
	}

	logger.From(ctx).Info("user logged in", slog.Int64("user_id", user.ID))

	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. Each refresh token is
// accepted once; presenting a consumed one revokes all of the user's tokens.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	claims, err := s.refreshClaims(refreshToken)
	if err != nil {
		return nil, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, model.ErrTokenMalformed
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if errors.Is(err, model.ErrUserNotFound) {
		return nil, model.ErrTokenRevoked
	}

	if err != nil {
		return nil, err
	}

	if user.Status == model.UserStatusBlocked {
		if err := s.refreshStore.RevokeAll(ctx, claims.Subject); err != nil {
			return nil, err
		}

		return nil, model.ErrUserBlocked
	}

	pair, rec, err := s.tokens.IssuePair(claims.Subject, user.Roles)
	if err != nil {
		return nil, err
	}

	if err := s.refreshStore.Rotate(ctx, claims.ID, rec); err != nil {
		if errors.Is(err, model.ErrTokenRevoked) {
			logger.From(ctx).Warn("refresh token rejected",
				slog.String("user_id", claims.Subject),
				slog.String("jti", claims.ID),
				slog.String("error", err.Error()),
			)
		}

		return nil, err
	}

	return pair, nil
}

// Logout revokes a refresh token.
func (s *AuthServiceImpl) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.refreshClaims(refreshToken)
	if err != nil {
		return err
	}

	return s.refreshStore.Revoke(ctx, claims.ID)
}

func (s *AuthServiceImpl) refreshClaims(token string) (*model.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	if claims.Type != model.TokenTypeRefresh || claims.ID == "" {
		return nil, fmt.Errorf("%w: not a refresh token", model.ErrTokenMalformed)
	}

	return claims, nil
}

// HashPassword hashes password with bcrypt, truncating it to 72 bytes.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(truncatePassword(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), truncatePassword(password)) == nil
}

func truncatePassword(password string) []byte {
	b := []byte(password)
	if len(b) > bcryptMaxPasswordBytes {
		b = b[:bcryptMaxPasswordBytes]
	}

	return b
}
