package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/conductor/internal/config"
	"github.com/yairfalse/conductor/internal/daemon"
	"github.com/yairfalse/conductor/telemetry"
)

var (
	version    = "0.1.0"
	configPath string

	rootCmd = &cobra.Command{
		Use:   "conductor",
		Short: "Resource reconciliation and billing propagation",
		Long: `Conductor - resource reconciliation and billing propagation

Conductor keeps provisioned resources in step with their backends:
it pulls backend state on a schedule, throttles provisioning per
service scope and pushes usage and the price catalog to Kill Bill.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Conductor {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (defaults apply when empty)")
}

// loadConfig reads the config file, or the defaults when no path is given
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newLogger(cfg config.LogConfig, w io.Writer) *telemetry.Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return telemetry.NewLoggerWithWriter(w, "conductor", telemetry.ParseLevel(cfg.Level))
}

// openDaemon builds every component from the config without running them
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	return daemon.New(cmd.Context(), cfg, daemon.Options{Version: version, Logger: logger})
}
