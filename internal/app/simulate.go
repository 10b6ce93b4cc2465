package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"position-relayer/internal/alerting"
	"position-relayer/internal/health"
	"position-relayer/internal/ledger"
	"position-relayer/internal/oracle"
	"position-relayer/internal/rescue"
)

// Simulation is the outcome of assessing a hypothetical position.
type Simulation struct {
	Assessment health.Assessment
	Live       bool
	// WouldRescue reports whether the configured bot would top the position up.
	WouldRescue bool
}

// Simulate assesses a hypothetical position and prints what the relayer would
// do with it. With Live set, prices come from the configured sources.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	collateral, err := parseTokenAmount(opts.Collateral)
	if err != nil {
		return fmt.Errorf("invalid --collateral: %w", err)
	}
	debt, err := parseTokenAmount(opts.Debt)
	if err != nil {
		return fmt.Errorf("invalid --debt: %w", err)
	}

	fallback, err := a.fallbackPrices()
	if err != nil {
		return err
	}
	engine := health.NewEngine(nil, fallback)

	if opts.Live {
		rpc := ledger.NewDialer(a.rpcURL())
		defer rpc.Close()
		client, err := rpc.Client(ctx)
		if err != nil {
			return fmt.Errorf("dial ledger rpc: %w", err)
		}
		engine = health.NewEngine(a.newOracle(client, fallback), fallback)
	}

	bot, err := rescue.FromSettings(a.Config.Bot)
	if err != nil {
		return fmt.Errorf("bot config: %w", err)
	}

	sim := simulate(ctx, engine, bot, collateral, debt, common.HexToAddress(a.Config.Position.CollateralToken), common.HexToAddress(a.Config.Position.DebtToken))
	if !sim.Live && opts.Live {
		a.Logger.Warn().Msg("live prices unavailable, assessed at fallback prices")
	}
	renderSimulation(os.Stdout, sim)

	if sim.Assessment.Status == health.StatusAtRisk {
		if notifier := a.newNotifier(); notifier != nil {
			return notifier.Notify(ctx, alerting.Notification{
				Kind:          alerting.KindAtRisk,
				At:            time.Now(),
				PositionID:    "simulated",
				HealthFactor:  sim.Assessment.HealthFactor,
				Status:        string(sim.Assessment.Status),
				AdditionalMsg: "simulated position",
			})
		}
	}
	return nil
}

func simulate(ctx context.Context, engine *health.Engine, bot rescue.Config, collateral, debt *big.Int, collateralToken, debtToken common.Address) Simulation {
	assessment, err := engine.ComputeHealth(ctx, collateral, debt, collateralToken, debtToken)
	if err != nil {
		assessment = engine.ComputeHealthSync(collateral, debt)
	}
	return Simulation{
		Assessment:  assessment,
		Live:        quoted(assessment.CollateralPrice) && quoted(assessment.DebtPrice),
		WouldRescue: bot.Enabled && bot.AutoRescue && assessment.HealthFactor.Cmp(bot.MinHealthFactorScaled()) < 0,
	}
}

// quoted reports whether the price came from a market source.
func quoted(p oracle.PricePoint) bool {
	return p.Source == oracle.SourceOracle || p.Source == oracle.SourceDEX
}

func renderSimulation(out io.Writer, sim Simulation) {
	a := sim.Assessment
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Collateral value (USD)\t%s\n", formatScaled(decimal.NewFromBigInt(a.CollateralValueUSD, 0), 4))
	fmt.Fprintf(writer, "Debt value (USD)\t%s\n", formatScaled(decimal.NewFromBigInt(a.DebtValueUSD, 0), 4))
	fmt.Fprintf(writer, "Health factor\t%s\n", alerting.FormatHealthFactor(a.HealthFactor))
	if a.LiquidationPrice != nil {
		fmt.Fprintf(writer, "Liquidation price\t%s\n", formatScaled(decimal.NewFromBigInt(a.LiquidationPrice, 0), 4))
	} else {
		fmt.Fprintln(writer, "Liquidation price\t-")
	}
	fmt.Fprintf(writer, "Status\t%s\n", a.Status)
	fmt.Fprintf(writer, "Live prices\t%t\n", sim.Live)
	fmt.Fprintf(writer, "Would rescue\t%t\n", sim.WouldRescue)
	writer.Flush()
}

// parseTokenAmount converts a whole-token decimal into 1e18 base units.
func parseTokenAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, errors.New("amount cannot be negative")
	}
	return d.Shift(18).Truncate(0).BigInt(), nil
}
