package engine

import (
	"fmt"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// PhaseID identifies one stage of the fixed execution pipeline.
type PhaseID string

const (
	// PhaseCollect runs pre-checks and staging for incoming units.
	PhaseCollect PhaseID = "collect"

	// PhaseUnconfigure reverses the configuration of outgoing units.
	PhaseUnconfigure PhaseID = "unconfigure"

	// PhaseUninstall removes outgoing units.
	PhaseUninstall PhaseID = "uninstall"

	// PhaseProperty applies the plan's property changes. It runs no actions.
	PhaseProperty PhaseID = "property"

	// PhaseInstall installs incoming units.
	PhaseInstall PhaseID = "install"

	// PhaseConfigure configures incoming units.
	PhaseConfigure PhaseID = "configure"

	// PhaseVerify runs post-checks on incoming units.
	PhaseVerify PhaseID = "verify"
)

// Phases is the fixed execution order.
var Phases = []PhaseID{
	PhaseCollect,
	PhaseUnconfigure,
	PhaseUninstall,
	PhaseProperty,
	PhaseInstall,
	PhaseConfigure,
	PhaseVerify,
}

// Validate checks if the phase id is valid.
func (p PhaseID) Validate() error {
	switch p {
	case PhaseCollect, PhaseUnconfigure, PhaseUninstall, PhaseProperty,
		PhaseInstall, PhaseConfigure, PhaseVerify:
		return nil
	default:
		return fmt.Errorf("invalid phase: %s", p)
	}
}

// IsUninstallSide returns true if the phase acts on the before unit of an
// operand.
func (p PhaseID) IsUninstallSide() bool {
	return p == PhaseUnconfigure || p == PhaseUninstall
}

// RunsActions returns true if the phase dispatches unit instructions.
func (p PhaseID) RunsActions() bool {
	return p != PhaseProperty
}

// UnitFor returns the unit of op this phase acts on, or nil when the operand
// does not apply to the phase.
func (p PhaseID) UnitFor(op profile.Operand) *metadata.InstallableUnit {
	if !p.RunsActions() {
		return nil
	}
	if p.IsUninstallSide() {
		return op.Before
	}
	return op.After
}
