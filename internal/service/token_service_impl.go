package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// TokenServiceImpl signs tokens with the Active key and verifies them
// against the key manager's in-memory set only.
type TokenServiceImpl struct {
	keys        KeyManager
	issuer      string
	maxLifetime time.Duration
	accessTTL   time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
}

// TokenServiceConfig holds token lifetimes and the issuer claim.
type TokenServiceConfig struct {
	Issuer      string
	MaxLifetime time.Duration
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// NewTokenServiceImpl creates a new TokenService implementation.
func NewTokenServiceImpl(keys KeyManager, cfg TokenServiceConfig, now func() time.Time) *TokenServiceImpl {
	if now == nil {
		now = time.Now
	}

	return &TokenServiceImpl{
		keys:        keys,
		issuer:      cfg.Issuer,
		maxLifetime: cfg.MaxLifetime,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		now:         now,
	}
}

// MaxLifetime is the longest ttl Issue accepts.
func (s *TokenServiceImpl) MaxLifetime() time.Duration {
	return s.maxLifetime
}

// Issue signs an access token for subject valid for ttl.
func (s *TokenServiceImpl) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	return s.sign(subject, roles, model.TokenTypeAccess, "", ttl)
}

// IssuePair signs an access and a refresh token.
func (s *TokenServiceImpl) IssuePair(subject string, roles []string) (*model.TokenPair, *model.RefreshTokenRecord, error) {
	access, err := s.sign(subject, roles, model.TokenTypeAccess, "", s.accessTTL)
	if err != nil {
		return nil, nil, err
	}

	jti := uuid.NewString()

	refresh, err := s.sign(subject, nil, model.TokenTypeRefresh, jti, s.refreshTTL)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().Truncate(time.Second)

	pair := &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(s.accessTTL),
	}
	rec := &model.RefreshTokenRecord{
		TokenID:   jti,
		UserID:    subject,
		ExpiresAt: now.Add(s.refreshTTL),
	}

	return pair, rec, nil
}

// Verify checks signature, key window and expiry of token. Every failure
// wraps model.ErrUnauthorized.
func (s *TokenServiceImpl) Verify(token string) (*model.Claims, error) {
	claims := &model.Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.issuer),
	)

	if _, err := parser.ParseWithClaims(token, claims, s.keyFunc(claims)); err != nil {
		return nil, mapJWTError(err)
	}

	iat, exp := claims.IssuedAtTime(), claims.ExpiresAtTime()
	if exp.Sub(iat) > s.maxLifetime {
		return nil, fmt.Errorf("%w: lifetime %s exceeds maximum", model.ErrTokenMalformed, exp.Sub(iat))
	}

	if claims.Type == "" {
		claims.Type = model.TokenTypeAccess
	}

	return claims, nil
}

func (s *TokenServiceImpl) keyFunc(claims *model.Claims) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", model.ErrTokenMalformed)
		}

		iat := claims.IssuedAtTime()
		if iat.IsZero() {
			return nil, fmt.Errorf("%w: missing iat claim", model.ErrTokenMalformed)
		}

		key, err := s.keys.VerificationKey(kid, iat)
		if err != nil {
			return nil, err
		}

		claims.KeyID = kid

		return key.PublicKey, nil
	}
}

func (s *TokenServiceImpl) sign(
	subject string, roles []string, typ model.TokenType, jti string, ttl time.Duration,
) (string, error) {
	if ttl <= 0 || ttl > s.maxLifetime {
		return "", fmt.Errorf("%w: requested %s, maximum %s", model.ErrTokenLifetimeExceeded, ttl, s.maxLifetime)
	}

	key, err := s.keys.ActiveKey()
	if err != nil {
		return "", err
	}

	now := s.now().Truncate(time.Second)
	claims := &model.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		Roles: roles,
		Type:  typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KeyID

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, model.ErrKeyNotFound):
		return model.ErrKeyNotFound
	case errors.Is(err, model.ErrTokenMalformed):
		return model.ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return model.ErrTokenInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return model.ErrTokenMalformed
	default:
		return fmt.Errorf("%w: %s", model.ErrTokenMalformed, err.Error())
	}
}
