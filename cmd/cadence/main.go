package main

import (
	"fmt"
	"os"
	_ "time/tzdata" // job timezones must resolve even without a system zoneinfo database

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - cron scheduling and reconciliation engine",
	Long: `Cadence - durable cron job scheduling with reconciliation.

Cadence keeps an organization-scoped job registry in SQLite in sync with a
live scheduler process, executes jobs through registered entrypoints, and
records an auditable run history.

Available commands:
  daemon - Run the scheduling daemon (scheduler + reconciler)
  jobs   - Manage scheduled jobs (list, create, pause, resume, delete)
  runs   - Inspect job execution history

Examples:
  cadence daemon                                   # Start the engine
  cadence jobs list --org acme                     # List acme's jobs
  cadence jobs create --org acme --name nightly \
    --cron "0 3 * * *" --tz UTC --kind noop        # Create a job
  cadence runs list --org acme --job <id>          # Show run history`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := commands.LoadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
			if err := logger.SetVerbose(); err != nil {
				return fmt.Errorf("failed to enable verbose logging: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./cadence.toml, ~/.cadence/config.toml)")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
