package metadata

import "fmt"

// NamespaceIU is the namespace of the self capability every unit provides.
const NamespaceIU = "iu"

// Capability is something a unit provides.
type Capability struct {
	Namespace string  `json:"namespace" yaml:"namespace" validate:"required"`
	Name      string  `json:"name" yaml:"name" validate:"required"`
	Version   Version `json:"version" yaml:"version"`
}

func (c Capability) String() string {
	return fmt.Sprintf("%s:%s %s", c.Namespace, c.Name, c.Version)
}

// Requirement is something a unit needs from the units installed next to it.
//
// Greedy requirements take part in automatic resolution: the planner searches
// the candidate pool for a provider. Non-greedy requirements are only
// satisfied by units that entered the working set some other way.
type Requirement struct {
	Namespace string       `json:"namespace" validate:"required"`
	Name      string       `json:"name" validate:"required"`
	Range     VersionRange `json:"range"`
	Filter    *Filter      `json:"filter,omitempty"`
	Optional  bool         `json:"optional,omitempty"`
	Greedy    bool         `json:"greedy"`
}

// NewRequirement returns a mandatory, greedy requirement.
func NewRequirement(namespace, name string, r VersionRange) Requirement {
	return Requirement{Namespace: namespace, Name: name, Range: r, Greedy: true}
}

// RequireUnit returns a mandatory, greedy requirement on another unit's self
// capability.
func RequireUnit(id string, r VersionRange) Requirement {
	return NewRequirement(NamespaceIU, id, r)
}

// IsApplicable reports whether the requirement's filter holds in env.
func (r Requirement) IsApplicable(env map[string]string) bool {
	return r.Filter.Match(env)
}

// SatisfiedBy reports whether c satisfies r, ignoring the filter.
func (r Requirement) SatisfiedBy(c Capability) bool {
	return r.Namespace == c.Namespace && r.Name == c.Name && r.Range.IsIncluded(c.Version)
}

// Matches reports whether provided satisfies req in env.
func Matches(req Requirement, provided Capability, env map[string]string) bool {
	return req.IsApplicable(env) && req.SatisfiedBy(provided)
}

func (r Requirement) String() string {
	s := fmt.Sprintf("%s:%s %s", r.Namespace, r.Name, r.Range)
	if r.Filter != nil {
		s += " " + r.Filter.String()
	}
	return s
}
