package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/policy"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/stores"
)

// Environment property keys set by the --os, --ws, --arch and --nl flags.
const (
	EnvOS   = "osgi.os"
	EnvWS   = "osgi.ws"
	EnvArch = "osgi.arch"
	EnvNL   = "osgi.nl"
)

// provisionOptions are the flags shared by commands that change a profile.
type provisionOptions struct {
	verifyOnly        bool
	profileProperties string
	os                string
	ws                string
	arch              string
	nl                string
	env               map[string]string
}

func (o *provisionOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.verifyOnly, "verify-only", false, "plan and check policy without executing")
	cmd.Flags().StringVar(&o.profileProperties, "profile-properties", "", "properties of a new profile as k=v,k=v")
	cmd.Flags().StringVar(&o.os, "os", "", "operating system of a new profile's environment")
	cmd.Flags().StringVar(&o.ws, "ws", "", "windowing system of a new profile's environment")
	cmd.Flags().StringVar(&o.arch, "arch", "", "architecture of a new profile's environment")
	cmd.Flags().StringVar(&o.nl, "nl", "", "locale of a new profile's environment")
	cmd.Flags().StringToStringVar(&o.env, "env", nil, "additional environment properties of a new profile (k=v)")
}

// creationProperties returns the properties of a profile created by this
// invocation. The environment flags are stored under director.environment.
func (o *provisionOptions) creationProperties() map[string]string {
	props := profile.ParseEnvironment(o.profileProperties)

	env := make(map[string]string, len(o.env)+4)
	for k, v := range o.env {
		env[k] = v
	}
	for key, value := range map[string]string{EnvOS: o.os, EnvWS: o.ws, EnvArch: o.arch, EnvNL: o.nl} {
		if value != "" {
			env[key] = value
		}
	}
	if len(env) > 0 {
		props[profile.PropertyEnvironment] = profile.EncodeEnvironment(env)
	}
	return props
}

// printPlan writes one line per operand.
func printPlan(w io.Writer, plan *engine.Plan) {
	for _, op := range plan.Operands {
		switch op.Kind() {
		case profile.OperandInstall:
			fmt.Fprintf(w, "Installing %s %s\n", op.After.ID, op.After.Version)
		case profile.OperandUninstall:
			fmt.Fprintf(w, "Uninstalling %s %s\n", op.Before.ID, op.Before.Version)
		case profile.OperandUpdate:
			fmt.Fprintf(w, "Updating %s %s to %s\n", op.After.ID, op.Before.Version, op.After.Version)
		}
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runPlan gates plan with the policy engine and, unless verifyOnly, executes
// it and records the outcome in the execution journal.
func (a *app) runPlan(ctx context.Context, prof *profile.Profile, plan *engine.Plan, operation string, verifyOnly bool) error {
	if !plan.Status.IsOK() {
		_ = plan.Status.Print(a.out)
		return statusError(plan.Status)
	}

	if a.opts.jsonOutput {
		if err := printJSON(a.out, plan); err != nil {
			return err
		}
	} else {
		printPlan(a.out, plan)
	}

	started := time.Now()
	verdict, err := a.policies.Gate(ctx, plan, prof, policy.Context{
		User:      os.Getenv("USER"),
		Operation: operation,
		Timestamp: started,
		DryRun:    verifyOnly,
	})
	if verdict != nil {
		for _, v := range verdict.Violations {
			if !v.Severity.Blocks() {
				fmt.Fprintf(a.out, "Policy %s (%s): %s\n", v.Policy, v.Severity, v.Message)
			}
		}
		for _, w := range verdict.Warnings {
			a.logger.Warn().Str("plan_id", plan.ID).Msg(w)
		}
	}
	if err != nil {
		status := engine.ErrorStatus("Plan rejected", err)
		_ = status.Print(a.out)
		if !verifyOnly {
			a.record(ctx, &stores.ExecutionRecord{
				ProfileID:     plan.ProfileID,
				PlanID:        plan.ID,
				BaseTimestamp: plan.BaseTimestamp,
				Outcome:       stores.OutcomeRejected,
				Message:       err.Error(),
				StartedAt:     started,
			})
		}
		return statusError(status)
	}

	if verifyOnly {
		fmt.Fprintf(a.out, "Plan verified: %d to install, %d to uninstall, %d to update.\n",
			plan.Summary.ToInstall, plan.Summary.ToUninstall, plan.Summary.ToUpdate)
		return nil
	}

	if err := a.setupEngine(ctx); err != nil {
		return err
	}
	result := a.engine.Execute(ctx, plan)
	a.record(ctx, executionRecord(plan, result, started))

	if !result.Status.IsOK() {
		_ = result.Status.Print(a.out)
		return statusError(result.Status)
	}
	a.discardBackups(ctx, result.SessionID)
	fmt.Fprintf(a.out, "Operation completed in %d ms.\n", result.Duration.Milliseconds())
	return nil
}

func executionRecord(plan *engine.Plan, result *engine.ExecutionResult, started time.Time) *stores.ExecutionRecord {
	rec := &stores.ExecutionRecord{
		SessionID:       result.SessionID,
		ProfileID:       plan.ProfileID,
		PlanID:          plan.ID,
		BaseTimestamp:   plan.BaseTimestamp,
		Message:         result.Status.String(),
		ActionsExecuted: result.ActionsExecuted,
		ActionsUndone:   result.ActionsUndone,
		StartedAt:       started,
		Duration:        result.Duration,
	}
	switch {
	case result.Status.IsOK():
		rec.Outcome = stores.OutcomeSucceeded
		if result.Profile != nil {
			ts := result.Profile.Timestamp()
			rec.CommittedTimestamp = &ts
		}
	case result.Status.RequiresManualIntervention():
		rec.Outcome = stores.OutcomeRollbackIncomplete
	case result.SessionID == "":
		rec.Outcome = stores.OutcomeFailed
	default:
		rec.Outcome = stores.OutcomeRolledBack
	}
	return rec
}

// record appends rec to the journal. Executions rejected before a session
// existed get a fresh id.
func (a *app) record(ctx context.Context, rec *stores.ExecutionRecord) {
	if rec.SessionID == "" {
		rec.SessionID = uuid.New().String()
	}
	if err := a.store.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn().Err(err).Str("plan_id", rec.PlanID).Msg("Failed to record execution")
	}
}
