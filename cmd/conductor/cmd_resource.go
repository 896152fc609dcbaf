package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/conductor/types"
)

var (
	resourceKind  string
	resourceName  string
	resourceScope string
	resourceAttrs map[string]string
	listState     string
)

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Provision, delete and list resources",
}

var resourceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a resource and wait for the job to finish",
	Example: `  conductor resource create --kind iaas.instance --name web --scope aws-prod \
    --attr image_id=ami-0abc --attr instance_type=t3.small`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		submitted, err := d.Executor().Submit(cmd.Context(), types.Resource{
			Kind:    resourceKind,
			Name:    resourceName,
			ScopeID: resourceScope,
			Attrs:   resourceAttrs,
		})
		if err != nil {
			return err
		}
		d.Drain(cmd.Context())

		stored, err := d.Store().GetResource(submitted.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", stored.ID, stored.State, stored.BackendID)
		if stored.State == types.StateErred {
			return fmt.Errorf("provisioning failed: %s", stored.ErrorMessage)
		}
		return nil
	},
}

var resourceDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a resource and cancel its subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		if err := d.Executor().ScheduleDeletion(cmd.Context(), args[0]); err != nil {
			return err
		}
		d.Drain(cmd.Context())

		if stored, err := d.Store().GetResource(args[0]); err == nil {
			return fmt.Errorf("deletion failed: %s", stored.ErrorMessage)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
		return nil
	},
}

var resourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored resources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()

		filter := types.ResourceFilter{Kind: resourceKind, ScopeID: resourceScope}
		if listState != "" {
			filter.States = []types.State{types.State(listState)}
		}
		resources, err := d.Store().ListResources(filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tKIND\tNAME\tSCOPE\tSTATE\tBACKEND ID\tMESSAGE")
		for _, r := range resources {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Kind, r.Name, r.ScopeID, r.State, r.BackendID, r.ErrorMessage)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(resourceCmd)
	resourceCmd.AddCommand(resourceCreateCmd, resourceDeleteCmd, resourceListCmd)

	resourceCreateCmd.Flags().StringVar(&resourceKind, "kind", "", "Resource kind tag")
	resourceCreateCmd.Flags().StringVar(&resourceName, "name", "", "Resource name")
	resourceCreateCmd.Flags().StringVar(&resourceScope, "scope", "", "Service settings scope id")
	resourceCreateCmd.Flags().StringToStringVar(&resourceAttrs, "attr", nil, "Backend attribute key=value")
	_ = resourceCreateCmd.MarkFlagRequired("kind")
	_ = resourceCreateCmd.MarkFlagRequired("scope")

	resourceListCmd.Flags().StringVar(&resourceKind, "kind", "", "Filter by kind")
	resourceListCmd.Flags().StringVar(&resourceScope, "scope", "", "Filter by scope")
	resourceListCmd.Flags().StringVar(&listState, "state", "", "Filter by state")
}
