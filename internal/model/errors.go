package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionFailure is returned when an order mutation and its outbox
	// insert were rolled back together. Callers retry the whole request.
	ErrTransactionFailure = errors.New("transaction failed")
	// ErrInvalidTransition is returned when an outbox status change would
	// break the Pending -> Published -> Acknowledged order.
	ErrInvalidTransition = errors.New("invalid outbox status transition")
	// ErrEventNotFound is returned when an outbox event does not exist.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrLeaseLost is returned when a publisher writes to an event whose
	// lease it no longer holds.
	ErrLeaseLost = errors.New("outbox lease lost")

	// ErrUnauthorized is the only error class exposed to HTTP clients for
	// token failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTokenExpired is returned for tokens past their exp claim.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrUnauthorized)
	// ErrTokenInvalidSignature is returned when the signature does not verify.
	ErrTokenInvalidSignature = fmt.Errorf("%w: invalid token signature", ErrUnauthorized)
	// ErrTokenMalformed is returned for tokens that cannot be parsed or carry
	// inconsistent claims.
	ErrTokenMalformed = fmt.Errorf("%w: malformed token", ErrUnauthorized)
	// ErrKeyNotFound is returned when the token's key id is not an accepted
	// verification key, or the key's validity window does not cover iat.
	ErrKeyNotFound = fmt.Errorf("%w: signing key not found", ErrUnauthorized)
	// ErrTokenRevoked is returned for refresh tokens that were revoked or replayed.
	ErrTokenRevoked = fmt.Errorf("%w: token revoked", ErrUnauthorized)
	// ErrTokenLifetimeExceeded is returned when a requested ttl exceeds the
	// configured maximum token lifetime.
	ErrTokenLifetimeExceeded = errors.New("token ttl exceeds maximum lifetime")
	// ErrKeyRotationConflict is returned when another rotation changed the key
	// set concurrently. The key set is left untouched.
	ErrKeyRotationConflict = errors.New("key rotation conflict")
	// ErrNoActiveKey is returned when no Active signing key exists.
	ErrNoActiveKey = errors.New("no active signing key")

	// ErrInvalidCredentials is returned when login credentials do not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserBlocked is returned when a blocked user tries to authenticate.
	ErrUserBlocked = errors.New("user is blocked")
	// ErrUserNotFound is returned when user is not found in database.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidEmail is returned when user email is empty or invalid.
	ErrInvalidEmail = errors.New("email is required")
	// ErrInvalidPassword is returned when a password is too short.
	ErrInvalidPassword = errors.New("password must be at least 6 characters long")

	// ErrOrderNotFound is returned when an order does not exist.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound is returned when a product does not exist.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned when a product has fewer items than ordered.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidQuantity is returned for non-positive order quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrInvalidOrderStatus is returned for unknown or disallowed order statuses.
	ErrInvalidOrderStatus = errors.New("invalid order status")
)
