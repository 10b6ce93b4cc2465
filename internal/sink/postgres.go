package sink

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"position-relayer/internal/storage"
)

// PostgresBackend upserts records into the positions table.
type PostgresBackend struct {
	store storage.PositionStore
}

// NewPostgresBackend wraps a position store.
func NewPostgresBackend(store storage.PositionStore) *PostgresBackend {
	return &PostgresBackend{store: store}
}

// Name implements Backend.
func (p *PostgresBackend) Name() string { return "postgres" }

// Put implements Backend.
func (p *PostgresBackend) Put(ctx context.Context, rec Record) (string, error) {
	if err := p.store.UpsertPosition(ctx, ToPositionRecord(rec)); err != nil {
		return "", err
	}
	return "postgres:" + rec.ID.Hex(), nil
}

// ToPositionRecord maps an encoded record onto its table row.
func ToPositionRecord(rec Record) storage.PositionRecord {
	p := rec.Payload
	row := storage.PositionRecord{
		RecordID:             rec.ID.Hex(),
		PositionID:           p.PositionID.Hex(),
		Owner:                p.Owner.Hex(),
		Protocol:             p.Protocol,
		CollateralToken:      p.CollateralToken.Hex(),
		DebtToken:            p.DebtToken.Hex(),
		CollateralAmount:     toDecimal(p.CollateralAmount),
		DebtAmount:           toDecimal(p.DebtAmount),
		CollateralValueUSD:   toDecimal(p.CollateralValueUSD),
		DebtValueUSD:         toDecimal(p.DebtValueUSD),
		HealthFactor:         toDecimal(p.HealthFactor),
		LiquidationThreshold: toDecimal(p.LiquidationThreshold),
		LastUpdatedAt:        time.Unix(int64(p.LastUpdatedAt), 0).UTC(),
		Status:               p.Status,
		BlockNumber:          int64(p.BlockNumber),
	}
	if p.LiquidationPrice != nil {
		v := toDecimal(p.LiquidationPrice)
		row.LiquidationPrice = &v
	}
	return row
}

func toDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(nonNil(v), 0)
}

var _ Backend = (*PostgresBackend)(nil)
