package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"position-relayer/internal/app"
)

var (
	backfillFrom   uint64
	backfillTo     uint64
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay historical position updates from a block range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("from-block") {
			return fmt.Errorf("--from-block must be provided")
		}
		if backfillTo != 0 && backfillFrom > backfillTo {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			FromBlock: backfillFrom,
			ToBlock:   backfillTo,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "First block to replay (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "Last block to replay (inclusive, 0 for the current head)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Assess updates without writing records")
}
