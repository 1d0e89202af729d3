package policy

import "time"

// Built-in policy names.
const (
	PolicyProtectedUnits     = "protected-units"
	PolicySingletonDowngrade = "singleton-downgrade"
	PolicyEmptyTouchpoint    = "empty-touchpoint"
)

// GetBuiltinPolicies returns the policies every engine starts with.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	return []Policy{
		{
			Name:        PolicyProtectedUnits,
			Description: "Units marked director.protected=true cannot be uninstalled",
			Severity:    SeverityError,
			Enabled:     true,
			Tags:        []string{"safety"},
			CreatedAt:   now,
			UpdatedAt:   now,
			Rego:        protectedUnitsPolicy,
		},
		{
			Name:        PolicySingletonDowngrade,
			Description: "Updates that move a unit to a lower version are flagged",
			Severity:    SeverityWarning,
			Enabled:     true,
			Tags:        []string{"versioning"},
			CreatedAt:   now,
			UpdatedAt:   now,
			Rego:        singletonDowngradePolicy,
		},
		{
			Name:        PolicyEmptyTouchpoint,
			Description: "Units with instructions but no touchpoint type are flagged",
			Severity:    SeverityInfo,
			Enabled:     true,
			Tags:        []string{"descriptor"},
			CreatedAt:   now,
			UpdatedAt:   now,
			Rego:        emptyTouchpointPolicy,
		},
	}
}

const protectedUnitsPolicy = `package director.builtin.protected_units

import rego.v1

protected(unit) if unit.properties["director.protected"] == "true"

protected(unit) if unit.profile_properties["director.protected"] == "true"

deny contains violation if {
	some op in input.plan.operands
	op.kind == "uninstall"
	protected(op.before)
	violation := {
		"message": sprintf("Unit %s %s is protected and cannot be uninstalled", [op.before.id, op.before.version]),
		"unit": sprintf("%s %s", [op.before.id, op.before.version]),
	}
}
`

const singletonDowngradePolicy = `package director.builtin.singleton_downgrade

import rego.v1

deny contains violation if {
	some op in input.plan.operands
	op.kind == "update"
	op.direction == "downgrade"
	violation := {
		"message": sprintf("Unit %s is downgraded from %s to %s", [op.after.id, op.before.version, op.after.version]),
		"unit": sprintf("%s %s", [op.after.id, op.after.version]),
	}
}
`

const emptyTouchpointPolicy = `package director.builtin.empty_touchpoint

import rego.v1

deny contains violation if {
	some op in input.plan.operands
	op.after
	count(op.after.instructions) > 0
	op.after.touchpoint == ""
	violation := {
		"message": sprintf("Unit %s %s has instructions but no touchpoint type", [op.after.id, op.after.version]),
		"unit": sprintf("%s %s", [op.after.id, op.after.version]),
	}
}
`
