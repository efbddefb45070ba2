package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lizaveta3333/liza-backend/internal/model"
)

const signingKeyColumns = `key_id, private_pem, public_pem, status, not_before, not_after, created_at, retired_at`

// SigningKeyRepositoryImpl implements SigningKeyRepository using PostgreSQL.
type SigningKeyRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewSigningKeyRepositoryImpl creates a new SigningKeyRepository implementation.
func NewSigningKeyRepositoryImpl(pool *pgxpool.Pool) SigningKeyRepository {
	return &SigningKeyRepositoryImpl{pool: pool}
}

// ListUsable returns keys that may still verify tokens.
func (r *SigningKeyRepositoryImpl) ListUsable(ctx context.Context) ([]*model.SigningKey, error) {
	return r.list(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE status IN ('active', 'retiring_grace') ORDER BY not_before`)
}

// ListAll returns every key, including retired ones.
func (r *SigningKeyRepositoryImpl) ListAll(ctx context.Context) ([]*model.SigningKey, error) {
	return r.list(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys ORDER BY not_before`)
}

// LockActive takes the rotation lock and returns the Active key.
func (r *SigningKeyRepositoryImpl) LockActive(ctx context.Context) (*model.SigningKey, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, keyRotationLockKey); err != nil {
		return nil, fmt.Errorf("failed to acquire rotation lock: %w", err)
	}

	key, err := scanSigningKey(tx.QueryRow(ctx,
		`SELECT `+signingKeyColumns+` FROM signing_keys WHERE status = 'active' FOR UPDATE`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	return key, err
}

// Insert stores a new key.
func (r *SigningKeyRepositoryImpl) Insert(ctx context.Context, key *model.SigningKey) error {
	privPEM, err := model.EncodePrivateKeyPEM(key.PrivateKey)
	if err != nil {
		return err
	}

	pubPEM, err := model.EncodePublicKeyPEM(key.PublicKey)
	if err != nil {
		return err
	}

	_, err = conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO signing_keys (key_id, private_pem, public_pem, status, not_before, not_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.KeyID, string(privPEM), string(pubPEM), string(key.Status), key.NotBefore, key.NotAfter, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signing key: %w", err)
	}

	return nil
}

// Demote moves the Active key into its grace period.
func (r *SigningKeyRepositoryImpl) Demote(ctx context.Context, keyID string, notAfter time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE signing_keys SET status = 'retiring_grace', not_after = $2 WHERE key_id = $1 AND status = 'active'`,
		keyID, notAfter,
	)
	if err != nil {
		return fmt.Errorf("failed to demote signing key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return model.ErrKeyRotationConflict
	}

	return nil
}

// RetireExpired retires keys whose grace period is over.
func (r *SigningKeyRepositoryImpl) RetireExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`UPDATE signing_keys SET status = 'retired', retired_at = $1
		 WHERE status = 'retiring_grace' AND not_after <= $1
		 RETURNING key_id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to retire signing keys: %w", err)
	}

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *SigningKeyRepositoryImpl) list(ctx context.Context, query string) ([]*model.SigningKey, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.SigningKey

	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func scanSigningKey(row pgx.Row) (*model.SigningKey, error) {
	var (
		k       model.SigningKey
		privPEM string
		pubPEM  string
		status  string
	)

	if err := row.Scan(&k.KeyID, &privPEM, &pubPEM, &status, &k.NotBefore, &k.NotAfter, &k.CreatedAt, &k.RetiredAt); err != nil {
		return nil, err
	}

	priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privPEM))
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", k.KeyID, err)
	}

	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pubPEM))
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", k.KeyID, err)
	}

	k.PrivateKey = priv
	k.PublicKey = pub
	k.Status = model.KeyStatus(status)

	return &k, nil
}
