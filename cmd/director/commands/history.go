package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/director/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show profile snapshots and recent executions",
		Long: `Show the snapshot timestamps of the profile, which 'revert' accepts, and
the most recent entries of the execution journal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			prof, err := a.loadProfile(ctx, false, nil)
			if err != nil {
				return failed(a, err)
			}
			timestamps, err := a.store.ListProfileTimestamps(ctx, prof.ID())
			if err != nil {
				return err
			}
			executions, err := a.store.ListExecutions(ctx, prof.ID(), limit)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(a.out, struct {
					Profile    string                    `json:"profile"`
					Snapshots  []int64                   `json:"snapshots"`
					Executions []*stores.ExecutionRecord `json:"executions"`
				}{prof.ID(), timestamps, executions})
			}

			fmt.Fprintf(a.out, "Profile %s\n", prof.ID())
			fmt.Fprintln(a.out, "Snapshots:")
			for _, ts := range timestamps {
				marker := ""
				if ts == prof.Timestamp() {
					marker = " (current)"
				}
				fmt.Fprintf(a.out, "  %d  %s%s\n", ts, time.UnixMilli(ts).UTC().Format(time.RFC3339), marker)
			}
			if len(executions) > 0 {
				fmt.Fprintln(a.out, "Executions:")
			}
			for _, rec := range executions {
				fmt.Fprintf(a.out, "  %s  %-19s %s  %d actions, %d undone, %d ms\n",
					rec.StartedAt.UTC().Format(time.RFC3339), rec.Outcome, rec.PlanID,
					rec.ActionsExecuted, rec.ActionsUndone, rec.Duration.Milliseconds())
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of executions to show (0 for all)")
	return cmd
}
