// Package cli implements the fodibank command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fodinet/fodibank/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fodibank",
	Short: "Off-chain token bank with on-chain reflection",
	Long: `fodibank keeps the authoritative token ledger off chain and reflects
outbound transfers onto the chain through a signing treasury. The daemon
serves the HTTP API and runs the reflect and reconcile workers; the
read-only commands inspect the store directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")
}

// Execute runs the command tree and exits with the documented codes:
// 0 success, 2 configuration error, 3 store open failure, 4 treasury
// unavailable, 1 anything else.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, daemon.ErrConfig):
		return 2
	case errors.Is(err, daemon.ErrStore):
		return 3
	case errors.Is(err, daemon.ErrTreasury):
		return 4
	default:
		return 1
	}
}

// loadConfig resolves the --config flag for all commands.
func loadConfig() (daemon.Config, error) {
	return daemon.LoadConfig(configPath)
}
