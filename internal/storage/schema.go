package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS positions (
        record_id             CHAR(66) PRIMARY KEY,
        position_id           CHAR(66) NOT NULL,
        owner                 CHAR(42) NOT NULL,
        protocol              TEXT NOT NULL DEFAULT '',
        collateral_token      CHAR(42) NOT NULL,
        debt_token            CHAR(42) NOT NULL,
        collateral_amount     NUMERIC(78, 0) NOT NULL,
        debt_amount           NUMERIC(78, 0) NOT NULL,
        collateral_value_usd  NUMERIC(78, 0) NOT NULL,
        debt_value_usd        NUMERIC(78, 0) NOT NULL,
        health_factor         NUMERIC(78, 0) NOT NULL,
        liquidation_price     NUMERIC(78, 0),
        liquidation_threshold NUMERIC(78, 0) NOT NULL,
        last_updated_at       TIMESTAMPTZ NOT NULL,
        status                VARCHAR(16) NOT NULL,
        block_number          BIGINT NOT NULL DEFAULT 0,
        updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS positions_last_updated_idx ON positions (last_updated_at)`,
	`CREATE TABLE IF NOT EXISTS rescue_records (
        id             BIGSERIAL PRIMARY KEY,
        position_id    CHAR(66) NOT NULL,
        owner          CHAR(42) NOT NULL,
        tx_hash        CHAR(66),
        new_collateral NUMERIC(78, 0) NOT NULL,
        health_factor  NUMERIC(78, 0) NOT NULL,
        succeeded      BOOLEAN NOT NULL,
        error          TEXT,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS rescue_records_position_idx ON rescue_records (position_id, created_at DESC)`,
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
