package cmd

import (
	"net/url"

	"github.com/spf13/cobra"
)

var publishRetryCmd = &cobra.Command{
	Use:   "publish-retry <data_id>",
	Short: "Retry publishing a product",
	Long: `Publish-retry asks the daemon to publish the named product again after a
failed attempt. The data ID is the product's staging path as reported by
the registry; it is percent-encoded on the wire, so paths with slashes
can be passed as-is.`,
	Args: cobra.ExactArgs(1),
	RunE: runPublishRetry,
}

func init() {
	rootCmd.AddCommand(publishRetryCmd)
}

func runPublishRetry(cmd *cobra.Command, args []string) error {
	return newControlClient().post("/products/"+url.PathEscape(args[0])+"/publish", nil)
}
