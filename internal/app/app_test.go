package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relayer/internal/alerting"
	"position-relayer/internal/config"
	"position-relayer/internal/health"
	"position-relayer/internal/oracle"
	"position-relayer/internal/rescue"
	"position-relayer/internal/storage"
)

const (
	collHex = "0x00000000000000000000000000000000000000c1"
	debtHex = "0x00000000000000000000000000000000000000d1"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func testApp() *App {
	cfg := &config.Config{}
	cfg.Oracle.FallbackCollateralUSD = "2"
	cfg.Oracle.FallbackDebtUSD = "1.5"
	cfg.Position.CollateralToken = collHex
	cfg.Position.DebtToken = debtHex
	return NewApp(cfg, zerolog.Nop())
}

func TestUSDToScaled(t *testing.T) {
	v, err := usdToScaled("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.String())

	_, err = usdToScaled("0")
	assert.Error(t, err)
	_, err = usdToScaled("abc")
	assert.Error(t, err)
}

func TestParseTokenAmount(t *testing.T) {
	v, err := parseTokenAmount("100")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(e18(100)))

	_, err = parseTokenAmount("-1")
	assert.Error(t, err)
}

func TestNewOracleWithoutSourcesUsesFallback(t *testing.T) {
	a := testApp()
	fallback, err := a.fallbackPrices()
	require.NoError(t, err)

	o := a.newOracle(nil, fallback)
	point, err := o.GetTokenPrice(context.Background(), common.HexToAddress(debtHex), oracle.KindDebt)
	require.NoError(t, err)
	assert.Equal(t, oracle.SourceFallback, point.Source)
	assert.Equal(t, "1500000000000000000", point.PriceUSD.String())
}

func TestAddressMap(t *testing.T) {
	m := addressMap(map[string]string{collHex: debtHex})
	assert.Equal(t, common.HexToAddress(debtHex), m[common.HexToAddress(collHex)])
}

func TestNewNotifier(t *testing.T) {
	a := testApp()
	assert.Nil(t, a.newNotifier())

	a.Config.Alerting.Enabled = true
	multi, ok := a.newNotifier().(alerting.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"}
	multi = a.newNotifier().(alerting.Multi)
	assert.Len(t, multi, 2)
}

func TestRPCURLFallsBackToWebsocket(t *testing.T) {
	a := testApp()
	a.Config.Ledger.WSURL = "wss://node"
	assert.Equal(t, "wss://node", a.rpcURL())
	a.Config.Ledger.RPCURL = "https://node"
	assert.Equal(t, "https://node", a.rpcURL())
}

func TestSimulateAtFallbackPrices(t *testing.T) {
	a := testApp()
	fallback, err := a.fallbackPrices()
	require.NoError(t, err)

	bot, err := rescue.NewConfig(rescue.ConfigInput{
		Enabled:         true,
		AutoRescue:      true,
		MinHealthFactor: "1.0",
		MaxTopUpAmount:  "1",
		RateLimit:       rescue.RateLimit{MaxRescuesPerHour: 1, MinDelayBetweenRescues: 1},
	})
	require.NoError(t, err)

	engine := health.NewEngine(nil, fallback)
	sim := simulate(context.Background(), engine, bot, e18(100), e18(150), common.HexToAddress(collHex), common.HexToAddress(debtHex))
	assert.False(t, sim.Live)
	assert.Equal(t, health.StatusAtRisk, sim.Assessment.Status)
	assert.True(t, sim.WouldRescue)

	var out bytes.Buffer
	renderSimulation(&out, sim)
	assert.Contains(t, out.String(), "0.889")
	assert.Contains(t, out.String(), "at_risk")

	sim = simulate(context.Background(), engine, rescue.DefaultConfig(), e18(100), e18(150), common.HexToAddress(collHex), common.HexToAddress(debtHex))
	assert.False(t, sim.WouldRescue, "disabled bot never rescues")
}

func samplePosition() storage.PositionRecord {
	liq := decimal.NewFromBigInt(e18(3), 0)
	return storage.PositionRecord{
		RecordID:             "0x01",
		PositionID:           common.BigToHash(big.NewInt(1)).Hex(),
		Owner:                "0x00000000000000000000000000000000000000bb",
		Protocol:             "lending",
		CollateralToken:      collHex,
		DebtToken:            debtHex,
		CollateralAmount:     decimal.NewFromBigInt(e18(100), 0),
		DebtAmount:           decimal.NewFromBigInt(e18(150), 0),
		CollateralValueUSD:   decimal.NewFromBigInt(e18(200), 0),
		DebtValueUSD:         decimal.NewFromBigInt(e18(225), 0),
		HealthFactor:         decimal.NewFromInt(888888888888888888),
		LiquidationPrice:     &liq,
		LiquidationThreshold: decimal.NewFromBigInt(e18(1), 0),
		LastUpdatedAt:        time.Unix(1_700_000_000, 0),
		Status:               "at_risk",
		BlockNumber:          42,
	}
}

func TestWritePositionsCSV(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writePositionsCSV(&out, []storage.PositionRecord{samplePosition()}))

	rows, err := csv.NewReader(strings.NewReader(out.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "last_updated_at", rows[0][0])
	assert.Equal(t, "2023-11-14T22:13:20Z", rows[1][0])
	assert.Equal(t, "888888888888888888", rows[1][10])
	assert.Equal(t, "at_risk", rows[1][13])
	assert.Equal(t, "42", rows[1][14])
}

func TestRenderPositionsAndRescues(t *testing.T) {
	var out bytes.Buffer
	renderPositions(&out, nil)
	assert.Equal(t, "no positions found\n", out.String())

	out.Reset()
	renderPositions(&out, []storage.PositionRecord{samplePosition()})
	assert.Contains(t, out.String(), "100.0000")
	assert.Contains(t, out.String(), "0.889")
	assert.Contains(t, out.String(), "at_risk")

	msg := "execution reverted\nout of gas"
	out.Reset()
	renderRescues(&out, []storage.RescueRecord{{
		PositionID:    "0x01",
		TxHash:        "0xfeed",
		NewCollateral: decimal.NewFromBigInt(e18(101), 0),
		Error:         &msg,
		CreatedAt:     time.Unix(1_700_000_000, 0),
	}})
	assert.Contains(t, out.String(), "failed")
	assert.Contains(t, out.String(), "execution reverted out of gas")
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	err := testApp().Backfill(context.Background(), BackfillOptions{FromBlock: 10, ToBlock: 5})
	assert.Error(t, err)
}
