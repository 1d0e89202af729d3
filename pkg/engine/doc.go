// Package engine plans and executes changes to provisioning profiles.
//
// # Overview
//
// A profile records which installable units are installed in an
// installation. Changing it is a two step workflow:
//
//  1. Plan - the Planner resolves a ChangeRequest against a CandidatePool
//     and the current profile, producing an ordered list of operands
//     (install, uninstall, update) together with property changes.
//  2. Execute - the Engine runs the plan phase by phase, dispatching each
//     unit's instructions to its touchpoint, and commits the resulting
//     profile to the ProfileRegistry.
//
// Planning is pure: it never touches the registry and never executes an
// action. Execution is transactional: a failing action, a cancelled context
// or a failed commit undoes every action already run, in reverse order, and
// leaves the registry untouched.
//
// # Phases
//
// Execution walks the fixed phase list:
//
//	collect, unconfigure, uninstall, property, install, configure, verify
//
// Unconfigure and uninstall act on the unit being removed (or the old side
// of an update). The property phase computes the target profile and runs no
// actions. The remaining phases act on the unit being added.
//
// # Touchpoints
//
// A unit names its touchpoint type and carries per-phase instructions. The
// engine asks the touchpoint for the action behind each instruction, runs it
// with an ActionContext and records its undo in the Session.
//
//	registry := engine.NewTouchpointRegistry()
//	registry.Register(native.New())
//	eng := engine.NewEngine(store, registry, engine.WithLogger(logger))
//	result := eng.Execute(ctx, plan)
//	if !result.Status.IsOK() {
//	    result.Status.Print(os.Stderr)
//	}
//
// # Errors
//
// Failures are EngineErrors classified as resolution, action, undo,
// persistence, conflict, cancelled or validation, each with a stable code.
// Operations that report rather than fail return a Status tree whose
// severity is the maximum of its children.
package engine
