package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Advisory lock keys. Claims and key rotations are serialized on these.
const (
	outboxClaimLockKey int64 = 0x6f7574626f78 // "outbox"
	keyRotationLockKey int64 = 0x6b657973     // "keys"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    email         TEXT        NOT NULL UNIQUE,
    password_hash TEXT        NOT NULL,
    roles         TEXT[]      NOT NULL DEFAULT '{}',
    status        TEXT        NOT NULL DEFAULT 'active',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS products (
    id         BIGSERIAL PRIMARY KEY,
    seller_id  BIGINT           NOT NULL REFERENCES users (id),
    price      DOUBLE PRECISION NOT NULL CHECK (price >= 0),
    stock      INTEGER          NOT NULL DEFAULT 0 CHECK (stock >= 0),
    created_at TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
    id          BIGSERIAL PRIMARY KEY,
    buyer_id    BIGINT           NOT NULL REFERENCES users (id),
    seller_id   BIGINT           NOT NULL REFERENCES users (id),
    product_id  BIGINT           NOT NULL REFERENCES products (id),
    quantity    INTEGER          NOT NULL CHECK (quantity > 0),
    total_price DOUBLE PRECISION NOT NULL,
    status      TEXT             NOT NULL DEFAULT 'pending',
    message     VARCHAR(500)     NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders (buyer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders (seller_id, created_at DESC);

CREATE TABLE IF NOT EXISTS outbox_events (
    id              BIGSERIAL PRIMARY KEY,
    aggregate_id    TEXT        NOT NULL,
    event_type      TEXT        NOT NULL,
    payload         JSONB       NOT NULL,
    status          TEXT        NOT NULL DEFAULT 'pending'
                    CHECK (status IN ('pending', 'published', 'acknowledged', 'failed')),
    attempt_count   INTEGER     NOT NULL DEFAULT 0,
    last_error      TEXT        NOT NULL DEFAULT '',
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    lease_owner     TEXT        NOT NULL DEFAULT '',
    lease_until     TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    published_at    TIMESTAMPTZ,
    acknowledged_at TIMESTAMPTZ,
    failed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_events_unfinished
    ON outbox_events (id) WHERE status IN ('pending', 'published');
CREATE INDEX IF NOT EXISTS idx_outbox_events_aggregate
    ON outbox_events (aggregate_id, id) WHERE status IN ('pending', 'published');
CREATE INDEX IF NOT EXISTS idx_outbox_events_acknowledged
    ON outbox_events (acknowledged_at) WHERE status = 'acknowledged';

CREATE TABLE IF NOT EXISTS signing_keys (
    key_id      TEXT PRIMARY KEY,
    private_pem TEXT        NOT NULL,
    public_pem  TEXT        NOT NULL,
    status      TEXT        NOT NULL CHECK (status IN ('active', 'retiring_grace', 'retired')),
    not_before  TIMESTAMPTZ NOT NULL,
    not_after   TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    retired_at  TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_signing_keys_single_active
    ON signing_keys (status) WHERE status = 'active';
`

// Migrate creates the tables owned by this service if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}
