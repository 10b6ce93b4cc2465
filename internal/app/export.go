package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"position-relayer/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// Export writes positions last updated in [From, To) as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	positions, err := store.ListPositionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		a.Logger.Info().Msg("no positions found for export window")
		return nil
	}

	if err := ensureDir(opts.CSVPath); err != nil {
		return err
	}
	file, err := os.Create(opts.CSVPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := writePositionsCSV(file, positions); err != nil {
		return err
	}
	a.Logger.Info().Int("positions", len(positions)).Str("path", opts.CSVPath).Msg("exported positions")
	return nil
}

// writePositionsCSV writes raw 1e18-scaled integers so no precision is lost.
func writePositionsCSV(out io.Writer, positions []storage.PositionRecord) error {
	writer := csv.NewWriter(out)

	header := []string{
		"last_updated_at", "position_id", "owner", "protocol", "collateral_token", "debt_token",
		"collateral_amount", "debt_amount", "collateral_value_usd", "debt_value_usd",
		"health_factor", "liquidation_price", "liquidation_threshold", "status", "block_number",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, pos := range positions {
		liq := ""
		if pos.LiquidationPrice != nil {
			liq = pos.LiquidationPrice.String()
		}
		record := []string{
			pos.LastUpdatedAt.UTC().Format(time.RFC3339),
			pos.PositionID,
			pos.Owner,
			pos.Protocol,
			pos.CollateralToken,
			pos.DebtToken,
			pos.CollateralAmount.String(),
			pos.DebtAmount.String(),
			pos.CollateralValueUSD.String(),
			pos.DebtValueUSD.String(),
			pos.HealthFactor.String(),
			liq,
			pos.LiquidationThreshold.String(),
			pos.Status,
			strconv.FormatInt(pos.BlockNumber, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
