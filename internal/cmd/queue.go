package cmd

import (
	"net/url"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the group queue",
	Long:  `Commands for working with the observation group queue of a running daemon.`,
}

var queueResetCmd = &cobra.Command{
	Use:   "reset <group_id>",
	Short: "Requeue a failed group",
	Long: `Reset returns a failed group to pending with a fresh retry budget so the
scheduler picks it up again. Groups in any other state are refused.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueReset,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueResetCmd)
}

func runQueueReset(cmd *cobra.Command, args []string) error {
	return newControlClient().post("/groups/"+url.PathEscape(args[0])+"/reset", nil)
}
