// Package health derives a position's health assessment from collateral and
// debt amounts and token prices. All arithmetic is integer, scaled by 1e18.
package health

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"position-relayer/internal/oracle"
)

// Status classifies a health factor.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWatch   Status = "watch"
	StatusAtRisk  Status = "at_risk"
)

var (
	// Scale is the 1e18 fixed-point unit.
	Scale = new(big.Int).Set(oracle.Scale)
	// WatchThreshold is 1.5 x Scale.
	WatchThreshold = new(big.Int).Div(new(big.Int).Mul(Scale, big.NewInt(3)), big.NewInt(2))
	// NoDebtHealthFactor is reported when a position carries no debt.
	NoDebtHealthFactor = new(big.Int).Mul(Scale, big.NewInt(100))
)

// Assessment is the derived health of one position at one point in time.
type Assessment struct {
	CollateralValueUSD *big.Int
	DebtValueUSD       *big.Int
	HealthFactor       *big.Int
	Status             Status
	// LiquidationPrice is nil when collateral or debt value is zero.
	LiquidationPrice     *big.Int
	LiquidationThreshold *big.Int
	CollateralPrice      oracle.PricePoint
	DebtPrice            oracle.PricePoint
}

// Classify maps a health factor onto a status; both thresholds are strict.
func Classify(healthFactor *big.Int) Status {
	switch {
	case healthFactor.Cmp(Scale) < 0:
		return StatusAtRisk
	case healthFactor.Cmp(WatchThreshold) < 0:
		return StatusWatch
	default:
		return StatusHealthy
	}
}

// Compute is the pure assessment core. Nil amounts are treated as zero.
//
// The liquidation price assumes a fixed liquidation threshold of 1.0 and is
// an approximation of the collateral price at which the health factor would
// cross 1.0, not a verified trigger price.
func Compute(collateral, debt, collateralPrice, debtPrice *big.Int) Assessment {
	collateral = orZero(collateral)
	debt = orZero(debt)
	collateralPrice = orZero(collateralPrice)
	debtPrice = orZero(debtPrice)

	collValue := new(big.Int).Mul(collateral, collateralPrice)
	collValue.Quo(collValue, Scale)
	debtValue := new(big.Int).Mul(debt, debtPrice)
	debtValue.Quo(debtValue, Scale)

	hf := new(big.Int).Set(NoDebtHealthFactor)
	if debtValue.Sign() > 0 {
		hf = new(big.Int).Mul(collValue, Scale)
		hf.Quo(hf, debtValue)
	}

	var liqPrice *big.Int
	if collateral.Sign() > 0 && debtValue.Sign() > 0 {
		liqPrice = new(big.Int).Mul(debtValue, collateralPrice)
		liqPrice.Quo(liqPrice, collateral)
	}

	return Assessment{
		CollateralValueUSD:   collValue,
		DebtValueUSD:         debtValue,
		HealthFactor:         hf,
		Status:               Classify(hf),
		LiquidationPrice:     liqPrice,
		LiquidationThreshold: new(big.Int).Set(Scale),
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// PriceResolver is the part of the oracle the engine needs.
type PriceResolver interface {
	GetPrices(ctx context.Context, collateralToken, debtToken common.Address) (oracle.Prices, error)
}

// Engine computes assessments using live prices with a static fallback.
type Engine struct {
	prices   PriceResolver
	fallback oracle.Fallback
}

// NewEngine builds an engine; prices may be nil, in which case only the sync path is usable.
func NewEngine(prices PriceResolver, fallback oracle.Fallback) *Engine {
	if fallback.Collateral == nil || fallback.Debt == nil {
		fallback = oracle.DefaultFallback()
	}
	return &Engine{prices: prices, fallback: fallback}
}

// ComputeHealth resolves both token prices and assesses the position.
// Oracle errors are returned to the caller, which decides whether to fall back.
func (e *Engine) ComputeHealth(ctx context.Context, collateral, debt *big.Int, collateralToken, debtToken common.Address) (Assessment, error) {
	if e.prices == nil {
		return e.ComputeHealthSync(collateral, debt), nil
	}
	prices, err := e.prices.GetPrices(ctx, collateralToken, debtToken)
	if err != nil {
		return Assessment{}, err
	}
	a := Compute(collateral, debt, prices.Collateral.PriceUSD, prices.Debt.PriceUSD)
	a.CollateralPrice = prices.Collateral
	a.DebtPrice = prices.Debt
	return a, nil
}

// ComputeHealthSync assesses the position at the static fallback prices.
func (e *Engine) ComputeHealthSync(collateral, debt *big.Int) Assessment {
	cp := e.fallback.Price(oracle.KindCollateral)
	dp := e.fallback.Price(oracle.KindDebt)
	a := Compute(collateral, debt, cp, dp)
	a.CollateralPrice = oracle.PricePoint{PriceUSD: cp, Source: oracle.SourceFallback}
	a.DebtPrice = oracle.PricePoint{PriceUSD: dp, Source: oracle.SourceFallback}
	return a
}
