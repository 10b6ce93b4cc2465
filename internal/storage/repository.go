package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPositionSQL = `INSERT INTO positions (
        record_id,
        position_id,
        owner,
        protocol,
        collateral_token,
        debt_token,
        collateral_amount,
        debt_amount,
        collateral_value_usd,
        debt_value_usd,
        health_factor,
        liquidation_price,
        liquidation_threshold,
        last_updated_at,
        status,
        block_number
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (record_id) DO UPDATE
    SET
        position_id           = EXCLUDED.position_id,
        owner                 = EXCLUDED.owner,
        protocol              = EXCLUDED.protocol,
        collateral_token      = EXCLUDED.collateral_token,
        debt_token            = EXCLUDED.debt_token,
        collateral_amount     = EXCLUDED.collateral_amount,
        debt_amount           = EXCLUDED.debt_amount,
        collateral_value_usd  = EXCLUDED.collateral_value_usd,
        debt_value_usd        = EXCLUDED.debt_value_usd,
        health_factor         = EXCLUDED.health_factor,
        liquidation_price     = EXCLUDED.liquidation_price,
        liquidation_threshold = EXCLUDED.liquidation_threshold,
        last_updated_at       = EXCLUDED.last_updated_at,
        status                = EXCLUDED.status,
        block_number          = EXCLUDED.block_number,
        updated_at            = NOW();`

	selectPositionColumns = `SELECT
        record_id,
        position_id,
        owner,
        protocol,
        collateral_token,
        debt_token,
        collateral_amount::text,
        debt_amount::text,
        collateral_value_usd::text,
        debt_value_usd::text,
        health_factor::text,
        liquidation_price::text,
        liquidation_threshold::text,
        last_updated_at,
        status,
        block_number,
        updated_at
    FROM positions`

	listPositionsBetweenSQL = selectPositionColumns + `
    WHERE last_updated_at >= $1
      AND last_updated_at < $2
    ORDER BY last_updated_at;`

	listRecentPositionsSQL = selectPositionColumns + `
    ORDER BY updated_at DESC
    LIMIT $1;`

	countPositionsSQL = `SELECT COUNT(*) FROM positions;`

	insertRescueSQL = `INSERT INTO rescue_records (
        position_id,
        owner,
        tx_hash,
        new_collateral,
        health_factor,
        succeeded,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentRescuesSQL = `SELECT
        id,
        position_id,
        owner,
        tx_hash,
        new_collateral::text,
        health_factor::text,
        succeeded,
        error,
        created_at
    FROM rescue_records
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PositionStore defines operations for position persistence.
type PositionStore interface {
	UpsertPosition(ctx context.Context, rec PositionRecord) error
	ListPositionsBetween(ctx context.Context, from, to time.Time) ([]PositionRecord, error)
	ListRecentPositions(ctx context.Context, limit int) ([]PositionRecord, error)
	CountPositions(ctx context.Context) (int64, error)
}

// RescueStore defines operations for rescue auditing.
type RescueStore interface {
	InsertRescueRecord(ctx context.Context, rec RescueRecord) (RescueRecord, error)
	ListRecentRescues(ctx context.Context, limit int) ([]RescueRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to positions and rescue records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPosition writes the record, replacing any earlier row for the same record id.
func (s *Store) UpsertPosition(ctx context.Context, rec PositionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var liqPrice interface{}
	if rec.LiquidationPrice != nil {
		liqPrice = rec.LiquidationPrice.String()
	}

	_, execErr := pool.Exec(ctx, upsertPositionSQL,
		rec.RecordID,
		rec.PositionID,
		rec.Owner,
		rec.Protocol,
		rec.CollateralToken,
		rec.DebtToken,
		rec.CollateralAmount.String(),
		rec.DebtAmount.String(),
		rec.CollateralValueUSD.String(),
		rec.DebtValueUSD.String(),
		rec.HealthFactor.String(),
		liqPrice,
		rec.LiquidationThreshold.String(),
		rec.LastUpdatedAt,
		rec.Status,
		rec.BlockNumber,
	)
	if execErr != nil {
		return fmt.Errorf("upsert position: %w", execErr)
	}
	return nil
}

// ListPositionsBetween lists positions last updated within [from, to).
func (s *Store) ListPositionsBetween(ctx context.Context, from, to time.Time) ([]PositionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPositionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list positions between: %w", queryErr)
	}
	defer rows.Close()

	return collectPositions(rows, 0)
}

// ListRecentPositions lists the most recently written positions.
func (s *Store) ListRecentPositions(ctx context.Context, limit int) ([]PositionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPositionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent positions: %w", queryErr)
	}
	defer rows.Close()

	return collectPositions(rows, limit)
}

// CountPositions counts stored positions.
func (s *Store) CountPositions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countPositionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count positions: %w", scanErr)
	}
	return count, nil
}

// InsertRescueRecord appends a rescue audit row.
func (s *Store) InsertRescueRecord(ctx context.Context, rec RescueRecord) (RescueRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RescueRecord{}, err
	}

	var txHash interface{}
	if rec.TxHash != "" {
		txHash = rec.TxHash
	}
	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	row := pool.QueryRow(ctx, insertRescueSQL,
		rec.PositionID,
		rec.Owner,
		txHash,
		rec.NewCollateral.String(),
		rec.HealthFactor.String(),
		rec.Succeeded,
		errMsg,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return RescueRecord{}, fmt.Errorf("insert rescue record: %w", scanErr)
	}
	return rec, nil
}

// ListRecentRescues lists the most recent rescue attempts.
func (s *Store) ListRecentRescues(ctx context.Context, limit int) ([]RescueRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRescuesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent rescues: %w", queryErr)
	}
	defer rows.Close()

	records := make([]RescueRecord, 0, limit)
	for rows.Next() {
		var (
			rec           RescueRecord
			txHash        sql.NullString
			collateralStr string
			hfStr         string
			errMsg        sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.PositionID,
			&rec.Owner,
			&txHash,
			&collateralStr,
			&hfStr,
			&rec.Succeeded,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.NewCollateral, err = decimal.NewFromString(collateralStr); err != nil {
			return nil, fmt.Errorf("parse new collateral: %w", err)
		}
		if rec.HealthFactor, err = decimal.NewFromString(hfStr); err != nil {
			return nil, fmt.Errorf("parse health factor: %w", err)
		}
		rec.TxHash = txHash.String
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func collectPositions(rows pgx.Rows, capacity int) ([]PositionRecord, error) {
	records := make([]PositionRecord, 0, capacity)
	for rows.Next() {
		rec, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPosition(rows pgx.Rows) (PositionRecord, error) {
	var (
		rec           PositionRecord
		collateralStr string
		debtStr       string
		collValStr    string
		debtValStr    string
		hfStr         string
		thresholdStr  string
		liqPriceStr   sql.NullString
	)

	if err := rows.Scan(
		&rec.RecordID,
		&rec.PositionID,
		&rec.Owner,
		&rec.Protocol,
		&rec.CollateralToken,
		&rec.DebtToken,
		&collateralStr,
		&debtStr,
		&collValStr,
		&debtValStr,
		&hfStr,
		&liqPriceStr,
		&thresholdStr,
		&rec.LastUpdatedAt,
		&rec.Status,
		&rec.BlockNumber,
		&rec.UpdatedAt,
	); err != nil {
		return PositionRecord{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"collateral amount", collateralStr, &rec.CollateralAmount},
		{"debt amount", debtStr, &rec.DebtAmount},
		{"collateral value", collValStr, &rec.CollateralValueUSD},
		{"debt value", debtValStr, &rec.DebtValueUSD},
		{"health factor", hfStr, &rec.HealthFactor},
		{"liquidation threshold", thresholdStr, &rec.LiquidationThreshold},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return PositionRecord{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}

	if liqPriceStr.Valid {
		v, err := decimal.NewFromString(liqPriceStr.String)
		if err != nil {
			return PositionRecord{}, fmt.Errorf("parse liquidation price: %w", err)
		}
		rec.LiquidationPrice = &v
	}

	return rec, nil
}

var (
	_ PositionStore  = (*Store)(nil)
	_ RescueStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
