package engine

import (
	"slices"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// dependencyGraph is the requirement graph among a set of units: an edge
// u -> v means u has an applicable requirement that v satisfies.
type dependencyGraph struct {
	// units in their stable (id, version) order
	units []*metadata.InstallableUnit

	// dependencies maps a unit to the units it requires
	dependencies map[metadata.UnitKey][]metadata.UnitKey

	// dependents maps a unit to the units requiring it
	dependents map[metadata.UnitKey][]metadata.UnitKey
}

func newDependencyGraph(units []*metadata.InstallableUnit, env map[string]string) *dependencyGraph {
	g := &dependencyGraph{
		units:        slices.Clone(units),
		dependencies: make(map[metadata.UnitKey][]metadata.UnitKey),
		dependents:   make(map[metadata.UnitKey][]metadata.UnitKey),
	}
	metadata.SortUnits(g.units)

	for _, u := range g.units {
		for _, v := range g.units {
			if u == v || !requiresUnit(u, v, env) {
				continue
			}
			g.dependencies[u.Key()] = append(g.dependencies[u.Key()], v.Key())
			g.dependents[v.Key()] = append(g.dependents[v.Key()], u.Key())
		}
	}
	return g
}

func requiresUnit(u, v *metadata.InstallableUnit, env map[string]string) bool {
	for _, req := range u.Requires {
		if v.Satisfies(req, env) {
			return true
		}
	}
	return false
}

// topological returns the units in Kahn order. With dependenciesFirst a unit
// follows everything it requires; otherwise it precedes everything it
// requires. Ready units are taken in (id, version) order and units left over
// by requirement cycles are appended in that order too.
func (g *dependencyGraph) topological(dependenciesFirst bool) []*metadata.InstallableUnit {
	blockers := g.dependencies
	released := g.dependents
	if !dependenciesFirst {
		blockers, released = g.dependents, g.dependencies
	}

	byKey := make(map[metadata.UnitKey]*metadata.InstallableUnit, len(g.units))
	inDegree := make(map[metadata.UnitKey]int, len(g.units))
	for _, u := range g.units {
		byKey[u.Key()] = u
		inDegree[u.Key()] = len(blockers[u.Key()])
	}

	order := make([]*metadata.InstallableUnit, 0, len(g.units))
	done := make(map[metadata.UnitKey]bool, len(g.units))
	for len(order) < len(g.units) {
		var next *metadata.InstallableUnit
		for _, u := range g.units {
			if !done[u.Key()] && inDegree[u.Key()] == 0 {
				next = u
				break
			}
		}
		if next == nil {
			// cycle: release the first remaining unit
			for _, u := range g.units {
				if !done[u.Key()] {
					next = u
					break
				}
			}
		}
		done[next.Key()] = true
		order = append(order, next)
		for _, k := range released[next.Key()] {
			inDegree[k]--
		}
	}
	return order
}

// orderOperands sequences a plan's operands. Uninstalls come first, dependents
// before their dependencies, so no capability still needed by an installed
// unit disappears before that unit does. Installs and updates follow,
// dependencies before dependents. An update stays a single operand: the
// uninstall-side phases act on its before unit and the install-side phases on
// its after unit.
func orderOperands(ops []profile.Operand, env map[string]string) []profile.Operand {
	var removals, additions []*metadata.InstallableUnit
	byRemoval := make(map[metadata.UnitKey]profile.Operand)
	byAddition := make(map[metadata.UnitKey]profile.Operand)
	for _, op := range ops {
		if op.Kind() == profile.OperandUninstall {
			removals = append(removals, op.Before)
			byRemoval[op.Before.Key()] = op
			continue
		}
		additions = append(additions, op.After)
		byAddition[op.After.Key()] = op
	}

	out := make([]profile.Operand, 0, len(ops))
	for _, u := range newDependencyGraph(removals, env).topological(false) {
		out = append(out, byRemoval[u.Key()])
	}
	for _, u := range newDependencyGraph(additions, env).topological(true) {
		out = append(out, byAddition[u.Key()])
	}
	return out
}
