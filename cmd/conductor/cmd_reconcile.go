package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/conductor/registry"
)

var reconcileGroup string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation round",
	Long: `Dispatch one round of pulls for a schedule group and run them to completion.

Resources that answer again are marked OK, resources whose backend
fails are marked ERRED with the backend's reason.`,
	Example: `  conductor reconcile
  conductor reconcile --group daily`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVar(&reconcileGroup, "group", registry.GroupHourly, "Pull group (hourly, daily)")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	n, err := d.ReconcileOnce(cmd.Context(), reconcileGroup)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d pulls dispatched for group %s\n", n, reconcileGroup)
	return nil
}
