// Package policy gates plans with Open Policy Agent (OPA) before they are
// executed.
//
// Every enabled policy is a Rego module defining a deny set. The engine
// evaluates each deny set against a document describing the plan, the
// profile it was computed against and the calling context (see input.go for
// the layout). Set members are either strings or objects:
//
//	deny contains violation if {
//	    some op in input.plan.operands
//	    op.kind == "install"
//	    startswith(op.after.id, "experimental.")
//	    violation := {
//	        "message": sprintf("%s is experimental", [op.after.id]),
//	        "unit": sprintf("%s %s", [op.after.id, op.after.version]),
//	        "severity": "warning",
//	    }
//	}
//
// A violation takes the severity of its policy unless it names one. Error and
// critical violations deny the plan; Gate reports a denial as an
// engine.EngineError with code POLICY_DENIED.
//
// # Built-in Policies
//
//  1. protected-units (error): units whose descriptor or profile property
//     director.protected is "true" cannot be uninstalled
//  2. singleton-downgrade (warning): an update moves a unit to a lower version
//  3. empty-touchpoint (info): an installed unit has instructions but no
//     touchpoint type
//
// # Loading
//
// Additional policies load from .rego files, named after the file with error
// severity unless a "# severity: warning" header says otherwise, or from
// YAML and JSON definition files carrying the Rego source inline. The
// engine's Watch reloads them with fsnotify when files change; built-ins
// always stay.
package policy
