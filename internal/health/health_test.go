package health

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relayer/internal/oracle"
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

func TestComputeFallbackExample(t *testing.T) {
	e := NewEngine(nil, oracle.DefaultFallback())
	a := e.ComputeHealthSync(tokens(100), tokens(150))

	assert.Equal(t, 0, a.CollateralValueUSD.Cmp(tokens(200)))
	assert.Equal(t, 0, a.DebtValueUSD.Cmp(tokens(225)))
	assert.Equal(t, "888888888888888888", a.HealthFactor.String())
	assert.Equal(t, StatusAtRisk, a.Status)
	assert.Equal(t, 0, a.LiquidationThreshold.Cmp(Scale))
	// 225e18 * 2e18 / 100e18
	assert.Equal(t, "4500000000000000000", a.LiquidationPrice.String())
	assert.Equal(t, oracle.SourceFallback, a.CollateralPrice.Source)
}

func TestClassifyBoundaries(t *testing.T) {
	assert.Equal(t, StatusHealthy, Classify(Scale), "exactly 1.0 is not at risk")
	assert.Equal(t, StatusAtRisk, Classify(new(big.Int).Sub(Scale, big.NewInt(1))))
	assert.Equal(t, StatusHealthy, Classify(WatchThreshold), "exactly 1.5 is healthy")
	assert.Equal(t, StatusWatch, Classify(new(big.Int).Sub(WatchThreshold, big.NewInt(1))))
}

func TestComputeExactThresholds(t *testing.T) {
	a := Compute(tokens(1), tokens(1), Scale, Scale)
	assert.Equal(t, 0, a.HealthFactor.Cmp(Scale))
	assert.Equal(t, StatusWatch, a.Status)

	a = Compute(tokens(3), tokens(2), Scale, Scale)
	assert.Equal(t, 0, a.HealthFactor.Cmp(WatchThreshold))
	assert.Equal(t, StatusHealthy, a.Status)
}

func TestComputeZeroDebt(t *testing.T) {
	a := Compute(tokens(0), tokens(0), Scale, Scale)
	assert.Equal(t, 0, a.HealthFactor.Cmp(NoDebtHealthFactor))
	assert.Equal(t, StatusHealthy, a.Status)
	assert.Nil(t, a.LiquidationPrice)

	a = Compute(tokens(5), nil, Scale, Scale)
	assert.Equal(t, 0, a.HealthFactor.Cmp(NoDebtHealthFactor))
	assert.Nil(t, a.LiquidationPrice)
}

func TestComputeZeroCollateral(t *testing.T) {
	a := Compute(big.NewInt(0), tokens(10), Scale, Scale)
	assert.Equal(t, 0, a.HealthFactor.Sign())
	assert.Equal(t, StatusAtRisk, a.Status)
	assert.Nil(t, a.LiquidationPrice)
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute(tokens(7), tokens(3), tokens(2), tokens(1))
	b := Compute(tokens(7), tokens(3), tokens(2), tokens(1))
	assert.Equal(t, a, b)
}

type stubPrices struct {
	prices oracle.Prices
	err    error
}

func (s stubPrices) GetPrices(context.Context, common.Address, common.Address) (oracle.Prices, error) {
	return s.prices, s.err
}

func TestComputeHealthUsesResolvedPrices(t *testing.T) {
	resolver := stubPrices{prices: oracle.Prices{
		Collateral: oracle.PricePoint{PriceUSD: tokens(3), Source: oracle.SourceOracle},
		Debt:       oracle.PricePoint{PriceUSD: tokens(1), Source: oracle.SourceDEX},
	}}
	e := NewEngine(resolver, oracle.Fallback{})

	a, err := e.ComputeHealth(context.Background(), tokens(100), tokens(150), common.Address{}, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000", a.HealthFactor.String())
	assert.Equal(t, StatusHealthy, a.Status)
	assert.Equal(t, oracle.SourceOracle, a.CollateralPrice.Source)
	assert.Equal(t, oracle.SourceDEX, a.DebtPrice.Source)
}

func TestComputeHealthPropagatesOracleError(t *testing.T) {
	boom := errors.New("rpc down")
	e := NewEngine(stubPrices{err: boom}, oracle.Fallback{})

	_, err := e.ComputeHealth(context.Background(), tokens(1), tokens(1), common.Address{}, common.Address{})
	assert.True(t, errors.Is(err, boom))
}
