package cli

import (
	"time"

	"github.com/spf13/cobra"

	"buoywatch/internal/app"
)

var (
	staleOlderThan time.Duration
	staleSend      bool
)

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Report time series that have stopped updating",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stale(cmd.Context(), app.StaleOptions{
			OlderThan: staleOlderThan,
			Send:      staleSend,
		})
	},
}

func init() {
	staleCmd.Flags().DurationVar(&staleOlderThan, "older-than", 0, "Staleness threshold (defaults to config)")
	staleCmd.Flags().BoolVar(&staleSend, "send", false, "Deliver the report to the configured webhook instead of stdout")
}
