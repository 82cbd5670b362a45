package storage

import (
	"context"
	"fmt"
)

// migrations are applied in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              TEXT PRIMARY KEY,
		tier            TEXT NULL CHECK (tier IN ('microbe', 'spore', 'seed', 'flower', 'nectar')),
		tier_balance    NUMERIC(20, 6) NOT NULL DEFAULT 0 CHECK (tier_balance >= 0),
		pack_balance    NUMERIC(20, 6) NOT NULL DEFAULT 0 CHECK (pack_balance >= 0),
		crypto_balance  NUMERIC(20, 6) NOT NULL DEFAULT 0 CHECK (crypto_balance >= 0),
		last_tier_grant TIMESTAMPTZ NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_tier ON users (tier) WHERE tier IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS admin_tokens (
		id           UUID PRIMARY KEY,
		service_name TEXT NOT NULL UNIQUE,
		token_hash   TEXT NOT NULL,
		roles        TEXT[] NOT NULL DEFAULT '{}',
		enabled      BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at   TIMESTAMPTZ NULL,
		last_used_at TIMESTAMPTZ NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
