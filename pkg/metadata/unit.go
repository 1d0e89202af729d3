package metadata

import (
	"fmt"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"
)

// Well-known unit properties.
const (
	PropertyName        = "director.name"
	PropertyDescription = "director.description"
	PropertyProtected   = "director.protected"
)

// Instruction is one action invocation in a phase.
type Instruction struct {
	Action string            `json:"action" validate:"required"`
	Params map[string]string `json:"params,omitempty"`
}

// InstallableUnit is an immutable, versioned component. Units are shared by
// pointer and must not be modified after construction; use Clone to derive a
// changed copy.
type InstallableUnit struct {
	ID       string            `json:"id" validate:"required"`
	Version  Version           `json:"version"`
	Provides []Capability      `json:"provides,omitempty" validate:"dive"`
	Requires []Requirement     `json:"requires,omitempty" validate:"dive"`
	// Touchpoint selects the executor for the unit's instructions.
	Touchpoint string `json:"touchpoint,omitempty"`
	// Instructions maps a phase id to the ordered actions run in that phase.
	Instructions map[string][]Instruction `json:"instructions,omitempty" validate:"dive,dive"`
	Properties   map[string]string        `json:"properties,omitempty"`
	Singleton    bool                     `json:"singleton,omitempty"`
}

// UnitKey identifies a unit within a pool or profile.
type UnitKey struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

func (k UnitKey) String() string {
	return k.ID + " " + k.Version
}

var validate = validator.New()

// Validate checks the structural constraints of the unit descriptor.
func (u *InstallableUnit) Validate() error {
	if u == nil {
		return fmt.Errorf("unit is nil")
	}
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("invalid unit %s: %w", u.ID, err)
	}
	return nil
}

// Key returns the identity of the unit.
func (u *InstallableUnit) Key() UnitKey {
	return UnitKey{ID: u.ID, Version: u.Version.String()}
}

// SelfCapability returns the capability identifying the unit itself.
func (u *InstallableUnit) SelfCapability() Capability {
	return Capability{Namespace: NamespaceIU, Name: u.ID, Version: u.Version}
}

// ProvidedCapabilities returns the declared capabilities followed by the self
// capability.
func (u *InstallableUnit) ProvidedCapabilities() []Capability {
	self := u.SelfCapability()
	out := make([]Capability, 0, len(u.Provides)+1)
	for _, c := range u.Provides {
		if c.Namespace == self.Namespace && c.Name == self.Name && c.Version.Equal(self.Version) {
			continue
		}
		out = append(out, c)
	}
	return append(out, self)
}

// Satisfies reports whether any capability of u satisfies req in env.
func (u *InstallableUnit) Satisfies(req Requirement, env map[string]string) bool {
	if !req.IsApplicable(env) {
		return false
	}
	for _, c := range u.ProvidedCapabilities() {
		if req.SatisfiedBy(c) {
			return true
		}
	}
	return false
}

// InstructionsFor returns the instructions for a phase.
func (u *InstallableUnit) InstructionsFor(phase string) []Instruction {
	return u.Instructions[phase]
}

// Property returns a unit property or "".
func (u *InstallableUnit) Property(key string) string {
	return u.Properties[key]
}

// Clone returns a deep copy of u.
func (u *InstallableUnit) Clone() *InstallableUnit {
	c := *u
	c.Provides = slices.Clone(u.Provides)
	c.Requires = slices.Clone(u.Requires)
	c.Properties = maps.Clone(u.Properties)
	if u.Instructions != nil {
		c.Instructions = make(map[string][]Instruction, len(u.Instructions))
		for phase, list := range u.Instructions {
			cl := make([]Instruction, len(list))
			for i, in := range list {
				cl[i] = Instruction{Action: in.Action, Params: maps.Clone(in.Params)}
			}
			c.Instructions[phase] = cl
		}
	}
	return &c
}

func (u *InstallableUnit) String() string {
	return u.ID + " " + u.Version.String()
}

// CompareUnits orders units by id, then by version.
func CompareUnits(a, b *InstallableUnit) int {
	if a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	return a.Version.Compare(b.Version)
}

// SortUnits sorts units in place by id, then version.
func SortUnits(units []*InstallableUnit) {
	slices.SortFunc(units, CompareUnits)
}
