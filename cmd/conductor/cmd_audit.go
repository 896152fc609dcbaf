package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/conductor/wal"
)

var (
	auditSince  time.Duration
	auditTask   string
	auditTarget string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the task journal",
	Long: `Replay the task journal and print its entries, oldest first.

The journal is read from the configured wal directory, so this works
while the daemon is running.`,
	Example: `  conductor audit --since 1h
  conductor audit --task provision --target iaas.instance:3f1c`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().DurationVar(&auditSince, "since", 24*time.Hour, "How far back to read")
	auditCmd.Flags().StringVar(&auditTask, "task", "", "Only entries of this task")
	auditCmd.Flags().StringVar(&auditTarget, "target", "", "Only entries for this target")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tSEQ\tTYPE\tTASK\tTARGET\tERROR")

	since := time.Now().Add(-auditSince)
	err = wal.Replay(cfg.WAL.Dir, wal.DefaultConfig().FilePrefix, since, func(e *wal.Entry) error {
		if auditTask != "" && e.Task != auditTask {
			return nil
		}
		if auditTarget != "" && e.Target != auditTarget {
			return nil
		}
		_, err := fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Sequence, e.Type, e.Task, e.Target, e.Error)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	return w.Flush()
}
