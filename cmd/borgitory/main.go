package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/borgitory/borgitory/cmd/borgitory/commands"
)

var rootCmd = &cobra.Command{
	Use:   "borgitory",
	Short: "Borgitory - backup orchestration engine for borg repositories",
	Long: `Borgitory - backup orchestration engine for borg repositories.

Borgitory runs borg backup, prune, and check operations as composite
jobs with live output streaming, off-site cloud synchronization via
rclone, notification delivery, and cron-driven scheduling.

Available commands:
  run     - Start the orchestration daemon
  version - Show version information

Examples:
  borgitory run                        # Start with merged config
  borgitory run --config ./dev.toml    # Start with an explicit config file
  borgitory version                    # Show build information`,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
