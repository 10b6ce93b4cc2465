package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"position-relayer/internal/storage"
)

// Show prints the most recently updated positions and, optionally, the
// rescue audit trail.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show positions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	positions, err := store.ListRecentPositions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	renderPositions(os.Stdout, positions)

	if !opts.Rescues {
		return nil
	}
	rescues, err := store.ListRecentRescues(ctx, opts.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)
	renderRescues(os.Stdout, rescues)
	return nil
}

func renderPositions(out io.Writer, positions []storage.PositionRecord) {
	if len(positions) == 0 {
		fmt.Fprintln(out, "no positions found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Updated (UTC)\tPosition\tOwner\tCollateral\tDebt\tHealth\tLiq. Price\tStatus\tBlock")
	for _, pos := range positions {
		liq := "-"
		if pos.LiquidationPrice != nil {
			liq = formatScaled(*pos.LiquidationPrice, 4)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			pos.LastUpdatedAt.UTC().Format(time.RFC3339),
			shortHex(pos.PositionID),
			shortHex(pos.Owner),
			formatScaled(pos.CollateralAmount, 4),
			formatScaled(pos.DebtAmount, 4),
			formatScaled(pos.HealthFactor, 3),
			liq,
			pos.Status,
			pos.BlockNumber,
		)
	}
	writer.Flush()
}

func renderRescues(out io.Writer, rescues []storage.RescueRecord) {
	if len(rescues) == 0 {
		fmt.Fprintln(out, "no rescues recorded")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPosition\tTx\tNew Collateral\tHealth\tResult\tError")
	for _, r := range rescues {
		result, errMsg := "ok", ""
		if !r.Succeeded {
			result = "failed"
		}
		if r.Error != nil {
			errMsg = sanitizeInline(*r.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339),
			shortHex(r.PositionID),
			shortHex(r.TxHash),
			formatScaled(r.NewCollateral, 4),
			formatScaled(r.HealthFactor, 3),
			result,
			errMsg,
		)
	}
	writer.Flush()
}

// formatScaled renders a 1e18 fixed-point value in whole units.
func formatScaled(v decimal.Decimal, places int32) string {
	return v.Shift(-18).StringFixed(places)
}

func shortHex(v string) string {
	if len(v) <= 14 {
		return v
	}
	return v[:8] + ".." + v[len(v)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
