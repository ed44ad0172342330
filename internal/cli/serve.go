package cli

import (
	"github.com/spf13/cobra"

	"github.com/fodinet/fodibank/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the token bank daemon",
	Long: `Start the HTTP API, the reflect worker and the reconcile worker.
Stops cleanly on SIGINT/SIGTERM: the API drains first, then the workers,
then the store is flushed and closed.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return daemon.Run(cfg)
}
