package profile

import (
	"fmt"

	"github.com/openfroyo/director/pkg/metadata"
)

// OperandKind classifies an operand by the shape of its before/after pair.
type OperandKind string

const (
	// OperandInstall adds a unit.
	OperandInstall OperandKind = "install"
	// OperandUninstall removes a unit.
	OperandUninstall OperandKind = "uninstall"
	// OperandUpdate replaces a unit with another version of the same id.
	OperandUpdate OperandKind = "update"
	// OperandInvalid is any other shape.
	OperandInvalid OperandKind = "invalid"
)

// Operand is one install, uninstall or update step of a plan.
type Operand struct {
	Before *metadata.InstallableUnit `json:"before,omitempty"`
	After  *metadata.InstallableUnit `json:"after,omitempty"`
}

// Install returns an operand installing u.
func Install(u *metadata.InstallableUnit) Operand { return Operand{After: u} }

// Uninstall returns an operand removing u.
func Uninstall(u *metadata.InstallableUnit) Operand { return Operand{Before: u} }

// Update returns an operand replacing from with to.
func Update(from, to *metadata.InstallableUnit) Operand { return Operand{Before: from, After: to} }

// Kind returns the operand kind.
func (o Operand) Kind() OperandKind {
	switch {
	case o.Before == nil && o.After != nil:
		return OperandInstall
	case o.Before != nil && o.After == nil:
		return OperandUninstall
	case o.Before != nil && o.After != nil && o.Before.ID == o.After.ID && !o.Before.Version.Equal(o.After.Version):
		return OperandUpdate
	default:
		return OperandInvalid
	}
}

// Unit returns the after unit if present, otherwise the before unit.
func (o Operand) Unit() *metadata.InstallableUnit {
	if o.After != nil {
		return o.After
	}
	return o.Before
}

func (o Operand) String() string {
	switch o.Kind() {
	case OperandInstall:
		return "install " + o.After.String()
	case OperandUninstall:
		return "uninstall " + o.Before.String()
	case OperandUpdate:
		return fmt.Sprintf("update %s %s -> %s", o.Before.ID, o.Before.Version, o.After.Version)
	default:
		return "invalid operand"
	}
}
