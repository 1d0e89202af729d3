package policy

import (
	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// The evaluation input is built by hand as plain maps so policies see a
// stable document independent of the Go types' JSON encoding:
//
//	input.plan.id, input.plan.kind, input.plan.profile
//	input.plan.operands[_].kind             install | uninstall | update
//	input.plan.operands[_].before, .after   unit documents or absent
//	input.plan.operands[_].direction        upgrade | downgrade, updates only
//	input.plan.properties.set / .remove     profile property changes
//	input.profile.id, .timestamp, .properties
//	input.profile.units[_]                  unit documents with root set
//	input.context.operation, .user, .dry_run
//
// A unit document carries id, version, touchpoint, singleton, properties
// (the descriptor's), profile_properties (recorded in the profile) and
// instructions (phase id to action count).

func buildInput(plan *engine.Plan, prof *profile.Profile, pc Context) map[string]interface{} {
	return map[string]interface{}{
		"plan":    planDocument(plan, prof),
		"profile": profileDocument(prof),
		"context": map[string]interface{}{
			"user":      pc.User,
			"operation": pc.Operation,
			"timestamp": pc.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			"dry_run":   pc.DryRun,
		},
	}
}

func planDocument(plan *engine.Plan, prof *profile.Profile) map[string]interface{} {
	operands := make([]interface{}, 0, len(plan.Operands))
	for _, op := range plan.Operands {
		doc := map[string]interface{}{"kind": string(op.Kind())}
		if op.Before != nil {
			doc["before"] = unitDocument(op.Before, prof)
		}
		if op.After != nil {
			doc["after"] = unitDocument(op.After, prof)
		}
		if op.Kind() == profile.OperandUpdate {
			doc["direction"] = "upgrade"
			if op.After.Version.LessThan(op.Before.Version) {
				doc["direction"] = "downgrade"
			}
		}
		operands = append(operands, doc)
	}

	set := map[string]interface{}{}
	for k, v := range plan.PropertyChanges.SetProfile {
		set[k] = v
	}
	remove := make([]interface{}, 0, len(plan.PropertyChanges.RemoveProfile))
	for _, k := range plan.PropertyChanges.RemoveProfile {
		remove = append(remove, k)
	}

	return map[string]interface{}{
		"id":       plan.ID,
		"kind":     string(plan.Kind),
		"profile":  plan.ProfileID,
		"operands": operands,
		"properties": map[string]interface{}{
			"set":    set,
			"remove": remove,
		},
	}
}

func profileDocument(prof *profile.Profile) map[string]interface{} {
	if prof == nil {
		return map[string]interface{}{}
	}
	units := make([]interface{}, 0, prof.Len())
	for _, u := range prof.Units() {
		doc := unitDocument(u, prof)
		doc["root"] = prof.IsRoot(u)
		units = append(units, doc)
	}
	return map[string]interface{}{
		"id":         prof.ID(),
		"timestamp":  prof.Timestamp(),
		"properties": stringMap(prof.Properties()),
		"units":      units,
	}
}

func unitDocument(u *metadata.InstallableUnit, prof *profile.Profile) map[string]interface{} {
	instructions := map[string]interface{}{}
	for phase, list := range u.Instructions {
		instructions[phase] = len(list)
	}
	doc := map[string]interface{}{
		"id":                 u.ID,
		"version":            u.Version.String(),
		"touchpoint":         u.Touchpoint,
		"singleton":          u.Singleton,
		"properties":         stringMap(u.Properties),
		"instructions":       instructions,
		"profile_properties": map[string]interface{}{},
	}
	if prof != nil {
		doc["profile_properties"] = stringMap(prof.UnitProperties(u.Key()))
	}
	return doc
}

func stringMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
