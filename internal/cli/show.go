package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"position-relayer/internal/app"
)

var (
	showLimit   int
	showRescues bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently updated positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Rescues: showRescues,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showRescues, "rescues", false, "Also display the rescue audit trail")
}
