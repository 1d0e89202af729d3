package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/director/pkg/profile"
)

// PlanKind records how a plan was produced.
type PlanKind string

const (
	// PlanKindResolve is produced by resolving a change request.
	PlanKindResolve PlanKind = "resolve"

	// PlanKindDiff is produced by diffing two profile snapshots.
	PlanKindDiff PlanKind = "diff"
)

// Plan is an ordered sequence of operands against one profile, plus the
// property changes to apply and the status of planning. A plan whose status
// is not OK must not be executed.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Kind records how the plan was produced.
	Kind PlanKind `json:"kind"`

	// ProfileID is the profile the plan applies to.
	ProfileID string `json:"profile_id"`

	// BaseTimestamp is the timestamp of the profile snapshot the plan was
	// computed against.
	BaseTimestamp int64 `json:"base_timestamp"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Operands are the steps of the plan in execution order.
	Operands []profile.Operand `json:"operands"`

	// PropertyChanges are applied during the property phase.
	PropertyChanges profile.PropertyChanges `json:"property_changes"`

	// Environment is used to evaluate filters during execution.
	Environment map[string]string `json:"environment,omitempty"`

	// Status is the outcome of planning.
	Status *Status `json:"status"`

	// Summary provides high-level statistics about the plan.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// ToInstall is the number of install operands.
	ToInstall int `json:"to_install"`

	// ToUninstall is the number of uninstall operands.
	ToUninstall int `json:"to_uninstall"`

	// ToUpdate is the number of update operands.
	ToUpdate int `json:"to_update"`
}

// Total returns the number of operands.
func (s PlanSummary) Total() int {
	return s.ToInstall + s.ToUninstall + s.ToUpdate
}

func summarize(ops []profile.Operand) PlanSummary {
	var s PlanSummary
	for _, op := range ops {
		switch op.Kind() {
		case profile.OperandInstall:
			s.ToInstall++
		case profile.OperandUninstall:
			s.ToUninstall++
		case profile.OperandUpdate:
			s.ToUpdate++
		}
	}
	return s
}

// IsEmpty returns true if executing the plan would change nothing.
func (p *Plan) IsEmpty() bool {
	return len(p.Operands) == 0 && p.PropertyChanges.IsEmpty()
}

// Validate checks that the plan is well formed and executable.
func (p *Plan) Validate() error {
	if p == nil {
		return NewValidationError("plan is nil", nil)
	}
	if p.ProfileID == "" {
		return NewValidationError("plan has no profile id", nil)
	}
	if !p.Status.IsOK() {
		return NewValidationError("plan status is not OK", p.Status.Cause())
	}
	for i, op := range p.Operands {
		if op.Kind() == profile.OperandInvalid {
			return NewValidationError(fmt.Sprintf("operand %d is invalid", i), nil)
		}
	}
	return nil
}

// ExecutionResult is the outcome of executing a plan.
type ExecutionResult struct {
	// SessionID is the id of the engine session that ran the plan.
	SessionID string `json:"session_id"`

	// PlanID is the executed plan.
	PlanID string `json:"plan_id"`

	// Status is the outcome of execution.
	Status *Status `json:"status"`

	// Profile is the committed profile on success, nil otherwise.
	Profile *profile.Profile `json:"-"`

	// ActionsExecuted counts actions that completed successfully.
	ActionsExecuted int `json:"actions_executed"`

	// ActionsUndone counts undo entries replayed during rollback.
	ActionsUndone int `json:"actions_undone"`

	// Duration is how long execution took.
	Duration time.Duration `json:"duration"`
}
