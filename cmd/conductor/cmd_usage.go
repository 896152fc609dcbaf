package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var usageResource string

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Propagate metered usage to the billing engine",
}

var usagePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push today's usage of one resource, or of every billed resource",
	Example: `  conductor usage push
  conductor usage push --resource 6f1c2e9a-...`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		svc, err := d.Billing()
		if err != nil {
			return err
		}
		if usageResource != "" {
			if err := svc.PushUsage(cmd.Context(), usageResource); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "usage of %s pushed\n", usageResource)
			return nil
		}
		return svc.PushAllUsage(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usagePushCmd)
	usagePushCmd.Flags().StringVar(&usageResource, "resource", "", "Resource id (all billed resources when empty)")
}
