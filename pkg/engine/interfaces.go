package engine

import (
	"context"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// CandidatePool answers requirement queries for the planner.
type CandidatePool interface {
	// FindProviders returns every unit with a capability satisfying req.
	FindProviders(ctx context.Context, req metadata.Requirement, env map[string]string) ([]*metadata.InstallableUnit, error)
}

// ProfileRegistry persists profiles as immutable timestamped snapshots.
type ProfileRegistry interface {
	// AddProfile creates an empty profile if absent and returns the latest
	// snapshot.
	AddProfile(ctx context.Context, id string, properties map[string]string) (*profile.Profile, error)

	// GetProfile returns the latest snapshot, or nil if the profile does not
	// exist.
	GetProfile(ctx context.Context, id string) (*profile.Profile, error)

	// GetProfileAt returns the snapshot taken at timestamp, or nil.
	GetProfileAt(ctx context.Context, id string, timestamp int64) (*profile.Profile, error)

	// ListProfileTimestamps returns the snapshot timestamps in ascending order.
	ListProfileTimestamps(ctx context.Context, id string) ([]int64, error)

	// ListProfiles returns the known profile ids.
	ListProfiles(ctx context.Context) ([]string, error)

	// Commit appends p as a new snapshot and returns it with the assigned
	// timestamp. base is the timestamp of the snapshot p was derived from;
	// when it is no longer the latest, Commit fails with
	// profile.ErrStaleSnapshot. Commit is all or nothing.
	Commit(ctx context.Context, p *profile.Profile, base int64) (*profile.Profile, error)
}

// Action is one reversible step run by a touchpoint.
type Action interface {
	// Execute performs the action.
	Execute(ctx context.Context, actx *ActionContext) error

	// Undo reverses a successful Execute. It receives the same ActionContext,
	// including anything Execute stored in its Memento.
	Undo(ctx context.Context, actx *ActionContext) error
}

// Touchpoint executes the instructions of units of one target-system type.
type Touchpoint interface {
	// Type returns the target-system type this touchpoint serves.
	Type() string

	// ActionFor returns the action registered under id.
	ActionFor(id string) (Action, error)

	// InitializePhase is called once per phase before the operand loop.
	InitializePhase(ctx context.Context, session *Session, phase PhaseID) error

	// CompletePhase is called once per phase after the operand loop.
	CompletePhase(ctx context.Context, session *Session, phase PhaseID) error

	// InitializeOperand is called before the operand's actions in a phase.
	InitializeOperand(ctx context.Context, session *Session, phase PhaseID, op profile.Operand) error

	// CompleteOperand is called after the operand's actions in a phase.
	CompleteOperand(ctx context.Context, session *Session, phase PhaseID, op profile.Operand) error

	// PrepareUnit may substitute a transformed unit for execution. The
	// operand identity in the plan is not affected.
	PrepareUnit(unit *metadata.InstallableUnit) (*metadata.InstallableUnit, error)
}

// TouchpointResolver looks up touchpoints by target-system type.
type TouchpointResolver interface {
	TouchpointFor(touchpointType string) (Touchpoint, error)
}
