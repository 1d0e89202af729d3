package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/director/pkg/engine"
)

func newRevertCommand(opts *globalOptions) *cobra.Command {
	var verifyOnly bool

	cmd := &cobra.Command{
		Use:   "revert [TIMESTAMP]",
		Short: "Restore an earlier profile snapshot",
		Long: `Restore the profile to the snapshot taken at TIMESTAMP, or to the previous
snapshot when no timestamp is given. Units, profile properties and root
markers all return to their earlier values, and the result is committed as a
new snapshot. Use 'director history' to list the timestamps.`,
		Example: `  director revert
  director revert 1718000000000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target int64
			if len(args) == 1 {
				ts, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid timestamp %q: %w", args[0], err)
				}
				target = ts
			}

			ctx, a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			current, err := a.loadProfile(ctx, false, nil)
			if err != nil {
				return failed(a, err)
			}
			timestamps, err := a.store.ListProfileTimestamps(ctx, current.ID())
			if err != nil {
				return err
			}

			if target == 0 {
				if len(timestamps) < 2 {
					fmt.Fprintln(a.out, "Nothing to revert.")
					return nil
				}
				target = timestamps[len(timestamps)-2]
			}

			snapshot, err := a.store.GetProfileAt(ctx, current.ID(), target)
			if err != nil {
				return err
			}
			if snapshot == nil {
				return failed(a, engine.NewValidationError(
					fmt.Sprintf("Missing profile %s@%d", current.ID(), target), nil).
					WithCode(engine.ErrCodeProfileNotFound))
			}

			plan := a.planner(nil).Diff(ctx, current, snapshot)
			if plan.Status.IsOK() && plan.IsEmpty() {
				fmt.Fprintf(a.out, "Profile %s already matches snapshot %d.\n", current.ID(), target)
				return nil
			}
			return a.runPlan(ctx, current, plan, "revert", verifyOnly)
		},
	}

	cmd.Flags().BoolVar(&verifyOnly, "verify-only", false, "plan and check policy without executing")
	return cmd
}
