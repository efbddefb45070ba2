package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

// ErrDuplicateEmail is returned when a user with the same email exists.
var ErrDuplicateEmail = errors.New("user with this email already exists")

const userColumns = `id, email, password_hash, roles, status, created_at`

// UserRepositoryImpl implements UserRepository using PostgreSQL.
type UserRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewUserRepositoryImpl creates a new UserRepository implementation.
func NewUserRepositoryImpl(pool *pgxpool.Pool) UserRepository {
	return &UserRepositoryImpl{pool: pool}
}

// Create creates a new active user.
func (r *UserRepositoryImpl) Create(
	ctx context.Context, email, passwordHash string, roles []string,
) (*model.User, error) {
	if roles == nil {
		roles = []string{}
	}

	row := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO users (email, password_hash, roles) VALUES ($1, $2, $3) RETURNING `+userColumns,
		email, passwordHash, roles,
	)

	user, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}

		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetByID retrieves a user by ID.
func (r *UserRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by email.
func (r *UserRepositoryImpl) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *UserRepositoryImpl) getOne(ctx context.Context, query string, arg any) (*model.User, error) {
	user, err := scanUser(conn(ctx, r.pool).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrUserNotFound
	}

	return user, err
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u      model.User
		status string
	)

	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Roles, &status, &u.CreatedAt); err != nil {
		return nil, err
	}

	u.Status = model.UserStatus(status)

	return &u, nil
}
