package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the reconciliation daemon",
	Long: `Run conductor as a long-lived daemon.

The daemon runs the worker pool, the hourly and daily pull schedules,
the daily usage push when billing is configured, and serves
/metrics, /health, /-/healthy and /-/ready. SIGINT and SIGTERM stop it
gracefully.`,
	Example: `  conductor daemon
  conductor daemon --config /etc/conductor/conductor.toml`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if err := d.Run(cmd.Context()); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}
