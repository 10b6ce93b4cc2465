package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionRecord is the latest persisted assessment for one position.
type PositionRecord struct {
	RecordID             string
	PositionID           string
	Owner                string
	Protocol             string
	CollateralToken      string
	DebtToken            string
	CollateralAmount     decimal.Decimal
	DebtAmount           decimal.Decimal
	CollateralValueUSD   decimal.Decimal
	DebtValueUSD         decimal.Decimal
	HealthFactor         decimal.Decimal
	LiquidationPrice     *decimal.Decimal
	LiquidationThreshold decimal.Decimal
	LastUpdatedAt        time.Time
	Status               string
	BlockNumber          int64
	UpdatedAt            time.Time
}

// RescueRecord audits one rescue attempt.
type RescueRecord struct {
	ID            int64
	PositionID    string
	Owner         string
	TxHash        string
	NewCollateral decimal.Decimal
	HealthFactor  decimal.Decimal
	Succeeded     bool
	Error         *string
	CreatedAt     time.Time
}
