package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	refreshDatasetID   int64
	refreshServerID    int64
	refreshHealthcheck bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a one-shot refresh of a dataset or a whole server",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case refreshDatasetID > 0 && refreshServerID > 0:
			return errors.New("--dataset and --server are mutually exclusive")
		case refreshDatasetID > 0:
			return getApp().RefreshDataset(cmd.Context(), refreshDatasetID, refreshHealthcheck)
		case refreshServerID > 0:
			return getApp().RefreshServer(cmd.Context(), refreshServerID, refreshHealthcheck)
		default:
			return errors.New("one of --dataset or --server is required")
		}
	},
}

func init() {
	refreshCmd.Flags().Int64Var(&refreshDatasetID, "dataset", 0, "Dataset id to refresh")
	refreshCmd.Flags().Int64Var(&refreshServerID, "server", 0, "Server id whose datasets should be refreshed")
	refreshCmd.Flags().BoolVar(&refreshHealthcheck, "healthcheck", false, "Signal the configured healthcheck endpoints")
}
