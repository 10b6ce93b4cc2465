package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"position-relayer/internal/app"
)

var (
	simulateCollateral string
	simulateDebt       string
	simulateLive       bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Assess a hypothetical position and report what the relayer would do",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCollateral == "" || simulateDebt == "" {
			return errors.New("--collateral and --debt must be provided")
		}

		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Collateral: simulateCollateral,
			Debt:       simulateDebt,
			Live:       simulateLive,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCollateral, "collateral", "", "Collateral amount in whole tokens")
	simulateCmd.Flags().StringVar(&simulateDebt, "debt", "", "Debt amount in whole tokens")
	simulateCmd.Flags().BoolVar(&simulateLive, "live", false, "Resolve prices from the configured sources instead of the fallback")
}
