// Package model defines domain models and data structures.
package model

import (
	"slices"
	"time"
)

// UserStatus is the account state of a user.
type UserStatus string

const (
	// UserStatusActive users may authenticate.
	UserStatusActive UserStatus = "active"
	// UserStatusBlocked users are refused new tokens.
	UserStatusBlocked UserStatus = "blocked"
)

// Well-known roles.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// User represents a user entity.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Roles        []string   `json:"roles"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// HasRole reports whether the user carries role.
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// CreateUserParams represents parameters for creating a new user.
type CreateUserParams struct {
	Email    string   `json:"email"    validate:"required,email"`
	Password string   `json:"password" validate:"required,min=6"`
	Roles    []string `json:"roles"`
}

// Validate validates the create user parameters.
func (p *CreateUserParams) Validate() error {
	if p.Email == "" {
		return ErrInvalidEmail
	}

	if len(p.Password) < minPasswordLength {
		return ErrInvalidPassword
	}

	return nil
}

const minPasswordLength = 6
