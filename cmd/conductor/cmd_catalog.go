package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Maintain the price list and billing catalog",
}

var catalogPropagateCmd = &cobra.Command{
	Use:   "propagate",
	Short: "Push the catalog built from the price list to the billing engine",
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
		if err := svc.PropagateCatalog(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "catalog pushed")
		return nil
	},
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create or update price items for every registered consumable",
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
		created, err := svc.SyncPriceList(cmd.Context())
		if err != nil {
			return err
		}
		if len(created) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "price items for all registered resources have been updated")
			return nil
		}
		for _, item := range created {
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", item.PriceKey(), item.Name)
		}
		return nil
	},
}

var catalogPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete price items of kinds or consumables no longer registered",
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
		deleted, err := svc.PruneUnregistered(cmd.Context())
		if err != nil {
			return err
		}
		for _, item := range deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", item.PriceKey())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d price items deleted\n", len(deleted))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogPropagateCmd, catalogSyncCmd, catalogPruneCmd)
}
