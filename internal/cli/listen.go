package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var listenServerID int64

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Subscribe to a server's change feed and refresh on notification",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenServerID <= 0 {
			return errors.New("--server is required")
		}
		return getApp().Listen(cmd.Context(), listenServerID)
	},
}

func init() {
	listenCmd.Flags().Int64Var(&listenServerID, "server", 0, "Server id whose broker should be subscribed")
}
