package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/telemetry"
)

// PlannerOptions tune resolution policy.
type PlannerOptions struct {
	// KeepOptional makes optional requirements keep their providers alive
	// during garbage collection. By default only mandatory requirements do.
	KeepOptional bool

	// Logger receives planning diagnostics. Nil discards them.
	Logger *zerolog.Logger
}

// Planner resolves change requests into provisioning plans. Planning is a
// pure read of the current profile and the candidate pool, so a Planner may be
// used concurrently.
type Planner struct {
	// pool supplies providers for greedy requirements
	pool CandidatePool

	// opts holds the resolution policy
	opts PlannerOptions

	logger zerolog.Logger
}

// NewPlanner creates a planner over pool.
func NewPlanner(pool CandidatePool, opts PlannerOptions) *Planner {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "planner").Logger()
	}
	return &Planner{pool: pool, opts: opts, logger: logger}
}

func newPlan(kind PlanKind, base *profile.Profile, env map[string]string) *Plan {
	plan := &Plan{
		ID:          uuid.New().String(),
		Kind:        kind,
		CreatedAt:   time.Now(),
		Environment: maps.Clone(env),
		Status:      OKStatus("Plan computed"),
	}
	if base != nil {
		plan.ProfileID = base.ID()
		plan.BaseTimestamp = base.Timestamp()
	}
	return plan
}

func failPlan(plan *Plan, message string, errs ...error) *Plan {
	plan.Operands = nil
	plan.PropertyChanges = profile.PropertyChanges{}
	plan.Summary = PlanSummary{}
	code := ""
	if len(errs) > 0 {
		code = CodeOf(errs[0])
	}
	plan.Status = NewStatus(SeverityError, code, message)
	for _, err := range errs {
		plan.Status.Add(ErrorStatus("", err))
	}
	return plan
}

// Plan computes the operands that move current to the state requested by
// req. On failure the plan's status carries every resolution error and the
// operand list is empty.
func (p *Planner) Plan(ctx context.Context, req *profile.ChangeRequest, current *profile.Profile, env map[string]string) *Plan {
	start := time.Now()
	plan := newPlan(PlanKindResolve, current, env)
	ic := telemetry.StartOperation(ctx, "planner.plan",
		telemetry.AttrProfileID.String(plan.ProfileID),
		telemetry.AttrPlanID.String(plan.ID))

	var failure error
	defer func() {
		code := ""
		if failure != nil {
			code = CodeOf(failure)
		}
		telemetry.RecordPlan(ic.Ctx, plan.ID, plan.ProfileID, string(plan.Kind), len(plan.Operands), time.Since(start), code)
		ic.End(failure)
	}()

	if current == nil {
		failure = NewValidationError("current profile is nil", nil)
		return failPlan(plan, "Cannot plan the request", failure)
	}
	if err := req.Validate(); err != nil {
		failure = NewValidationError("invalid change request", err)
		return failPlan(plan, "Cannot plan the request", failure)
	}
	if req.ProfileID != current.ID() {
		failure = NewValidationError(fmt.Sprintf("change request targets profile %s, not %s", req.ProfileID, current.ID()), nil)
		return failPlan(plan, "Cannot plan the request", failure)
	}

	final, errs := p.resolve(ctx, req, current, env)
	if len(errs) > 0 {
		failure = errs[0]
		p.logger.Warn().Str("profile_id", current.ID()).Int("errors", len(errs)).Msg("Resolution failed")
		return failPlan(plan, "Cannot complete the request", errs...)
	}

	plan.Operands = orderOperands(diffUnits(current.Units(), final), env)
	plan.PropertyChanges = req.Properties.Clone()
	plan.Summary = summarize(plan.Operands)

	p.logger.Debug().
		Str("profile_id", current.ID()).
		Str("plan_id", plan.ID).
		Int("operands", len(plan.Operands)).
		Msg("Plan computed")
	return plan
}

// workingSet is the insertion-ordered set of units being resolved.
type workingSet struct {
	order []*metadata.InstallableUnit
	index map[metadata.UnitKey]*metadata.InstallableUnit
}

func (w *workingSet) add(u *metadata.InstallableUnit) bool {
	if _, ok := w.index[u.Key()]; ok {
		return false
	}
	w.index[u.Key()] = u
	w.order = append(w.order, u)
	return true
}

func (w *workingSet) providers(req metadata.Requirement, env map[string]string) []*metadata.InstallableUnit {
	var out []*metadata.InstallableUnit
	for _, u := range w.order {
		if u.Satisfies(req, env) {
			out = append(out, u)
		}
	}
	return out
}

// resolve runs the worklist fixpoint, the singleton check and garbage
// collection, and returns the resulting unit set.
func (p *Planner) resolve(ctx context.Context, req *profile.ChangeRequest, current *profile.Profile, env map[string]string) ([]*metadata.InstallableUnit, []error) {
	removed := make(map[metadata.UnitKey]bool, len(req.ToRemove))
	for _, u := range req.ToRemove {
		removed[u.Key()] = true
	}

	ws := &workingSet{index: make(map[metadata.UnitKey]*metadata.InstallableUnit)}
	for _, u := range current.Units() {
		if !removed[u.Key()] {
			ws.add(u)
		}
	}
	for _, u := range req.ToAdd {
		ws.add(u)
	}

	var errs []error
	queue := slices.Clone(ws.order)
	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return nil, []error{NewCancelledError("planning cancelled", ctx.Err())}
		default:
		}

		u := queue[0]
		queue = queue[1:]
		for _, r := range u.Requires {
			if !r.Greedy || !r.IsApplicable(env) || len(ws.providers(r, env)) > 0 {
				continue
			}
			candidates, err := p.pool.FindProviders(ctx, r, env)
			if err != nil {
				return nil, []error{NewResolutionError(fmt.Sprintf("failed to query providers of %s", r), err).
					WithUnit(u.String())}
			}
			best := pickProvider(candidates, r, env, removed)
			if best == nil {
				if !r.Optional {
					errs = append(errs, unsatisfied(u, r))
				}
				continue
			}
			if ws.add(best) {
				p.logger.Trace().Str("unit", best.String()).Str("required_by", u.String()).Msg("Selected provider")
				queue = append(queue, best)
			}
		}
	}

	// Non-greedy requirements never pull from the pool but must still hold
	// once the working set is complete.
	for _, u := range ws.order {
		for _, r := range u.Requires {
			if r.Greedy || r.Optional || !r.IsApplicable(env) {
				continue
			}
			if len(ws.providers(r, env)) == 0 {
				errs = append(errs, unsatisfied(u, r))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	if errs := singletonConflicts(ws.order); len(errs) > 0 {
		return nil, errs
	}

	return p.collectGarbage(ws, roots(req, current, removed, ws), env), nil
}

func unsatisfied(u *metadata.InstallableUnit, r metadata.Requirement) error {
	return NewResolutionError(fmt.Sprintf("missing requirement: %s requires '%s' but it could not be found", u, r), nil).
		WithCode(ErrCodeUnsatisfiedRequirement).
		WithUnit(u.String()).
		WithDetail("requirement", r.String())
}

// pickProvider returns the candidate offering the highest version of a
// capability satisfying r. Ties go to the higher unit version, then to the
// lexically smallest id. Explicitly removed units are never picked.
func pickProvider(candidates []*metadata.InstallableUnit, r metadata.Requirement, env map[string]string, removed map[metadata.UnitKey]bool) *metadata.InstallableUnit {
	var best *metadata.InstallableUnit
	var bestCap metadata.Capability
	for _, c := range candidates {
		if c == nil || removed[c.Key()] || !c.Satisfies(r, env) {
			continue
		}
		capability := bestMatch(c, r)
		if best == nil {
			best, bestCap = c, capability
			continue
		}
		cmp := capability.Version.Compare(bestCap.Version)
		if cmp == 0 {
			cmp = c.Version.Compare(best.Version)
		}
		if cmp > 0 || (cmp == 0 && c.ID < best.ID) {
			best, bestCap = c, capability
		}
	}
	return best
}

// bestMatch returns the highest versioned capability of u satisfying r. u
// must satisfy r.
func bestMatch(u *metadata.InstallableUnit, r metadata.Requirement) metadata.Capability {
	var best metadata.Capability
	found := false
	for _, c := range u.ProvidedCapabilities() {
		if !r.SatisfiedBy(c) {
			continue
		}
		if !found || c.Version.Compare(best.Version) > 0 {
			best, found = c, true
		}
	}
	return best
}

// singletonConflicts reports every singleton id present in more than one
// version.
func singletonConflicts(units []*metadata.InstallableUnit) []error {
	byID := make(map[string][]*metadata.InstallableUnit)
	for _, u := range units {
		byID[u.ID] = append(byID[u.ID], u)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		group := byID[id]
		if len(group) < 2 || !slices.ContainsFunc(group, func(u *metadata.InstallableUnit) bool { return u.Singleton }) {
			continue
		}
		metadata.SortUnits(group)
		versions := make([]string, len(group))
		for i, u := range group {
			versions[i] = u.Version.String()
		}
		errs = append(errs, NewResolutionError(
			fmt.Sprintf("cannot install more than one version of singleton %s: %v", id, versions), nil).
			WithCode(ErrCodeSingletonConflict).
			WithUnit(group[0].String()).
			WithDetail("versions", versions))
	}
	return errs
}

// roots returns the units garbage collection starts from: current roots that
// stay, units added by the request, and units the request marks as roots.
func roots(req *profile.ChangeRequest, current *profile.Profile, removed map[metadata.UnitKey]bool, ws *workingSet) map[metadata.UnitKey]bool {
	out := make(map[metadata.UnitKey]bool)
	for _, u := range current.Roots() {
		if !removed[u.Key()] {
			out[u.Key()] = true
		}
	}
	for _, uc := range req.Properties.Units {
		if _, ok := ws.index[uc.Unit]; !ok {
			continue
		}
		if uc.Set[profile.PropertyRoot] == "true" {
			out[uc.Unit] = true
		} else if slices.Contains(uc.Remove, profile.PropertyRoot) {
			delete(out, uc.Unit)
		}
	}
	for _, u := range req.ToAdd {
		out[u.Key()] = true
	}
	return out
}

// collectGarbage keeps the units reachable from rootKeys through applicable
// mandatory requirements (and optional ones with KeepOptional).
func (p *Planner) collectGarbage(ws *workingSet, rootKeys map[metadata.UnitKey]bool, env map[string]string) []*metadata.InstallableUnit {
	reachable := make(map[metadata.UnitKey]bool, len(ws.order))
	var queue []*metadata.InstallableUnit
	for _, u := range ws.order {
		if rootKeys[u.Key()] {
			reachable[u.Key()] = true
			queue = append(queue, u)
		}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, r := range u.Requires {
			if (r.Optional && !p.opts.KeepOptional) || !r.IsApplicable(env) {
				continue
			}
			for _, v := range ws.providers(r, env) {
				if !reachable[v.Key()] {
					reachable[v.Key()] = true
					queue = append(queue, v)
				}
			}
		}
	}

	out := make([]*metadata.InstallableUnit, 0, len(reachable))
	for _, u := range ws.order {
		if reachable[u.Key()] {
			out = append(out, u)
		} else {
			p.logger.Debug().Str("unit", u.String()).Msg("Dropping unit no longer required")
		}
	}
	return out
}

// diffUnits pairs the unit sets into operands. An id leaving in exactly one
// version and arriving in exactly one other version becomes an update.
func diffUnits(from, to []*metadata.InstallableUnit) []profile.Operand {
	inFrom := make(map[metadata.UnitKey]bool, len(from))
	for _, u := range from {
		inFrom[u.Key()] = true
	}
	inTo := make(map[metadata.UnitKey]bool, len(to))
	for _, u := range to {
		inTo[u.Key()] = true
	}

	leaving := make(map[string][]*metadata.InstallableUnit)
	arriving := make(map[string][]*metadata.InstallableUnit)
	idSet := make(map[string]bool)
	for _, u := range from {
		if !inTo[u.Key()] {
			leaving[u.ID] = append(leaving[u.ID], u)
			idSet[u.ID] = true
		}
	}
	for _, u := range to {
		if !inFrom[u.Key()] {
			arriving[u.ID] = append(arriving[u.ID], u)
			idSet[u.ID] = true
		}
	}
	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var ops []profile.Operand
	for _, id := range ids {
		out, in := leaving[id], arriving[id]
		if len(out) == 1 && len(in) == 1 {
			ops = append(ops, profile.Update(out[0], in[0]))
			continue
		}
		for _, u := range out {
			ops = append(ops, profile.Uninstall(u))
		}
		for _, u := range in {
			ops = append(ops, profile.Install(u))
		}
	}
	return ops
}

// Diff computes the plan that turns from into to without running requirement
// search: both profiles are assumed consistent. Property differences,
// including root markers, are carried as property changes.
func (p *Planner) Diff(ctx context.Context, from, to *profile.Profile) *Plan {
	start := time.Now()
	var env map[string]string
	if to != nil {
		env = to.Environment()
	}
	plan := newPlan(PlanKindDiff, from, env)
	ic := telemetry.StartOperation(ctx, "planner.diff",
		telemetry.AttrProfileID.String(plan.ProfileID),
		telemetry.AttrPlanID.String(plan.ID))

	var failure error
	defer func() {
		telemetry.RecordPlan(ic.Ctx, plan.ID, plan.ProfileID, string(plan.Kind), len(plan.Operands), time.Since(start), CodeOf(failure))
		ic.End(failure)
	}()

	if from == nil || to == nil {
		failure = NewValidationError("cannot diff a nil profile", nil)
		return failPlan(plan, "Cannot compute the difference", failure)
	}
	if from.ID() != to.ID() {
		failure = NewValidationError(fmt.Sprintf("cannot diff profile %s against %s", from.ID(), to.ID()), nil)
		return failPlan(plan, "Cannot compute the difference", failure)
	}

	plan.Operands = orderOperands(diffUnits(from.Units(), to.Units()), env)
	plan.PropertyChanges = diffProperties(from, to, plan.Operands)
	plan.Summary = summarize(plan.Operands)
	return plan
}

func diffProperties(from, to *profile.Profile, ops []profile.Operand) profile.PropertyChanges {
	var changes profile.PropertyChanges

	fromProps, toProps := from.Properties(), to.Properties()
	for _, k := range sortedKeys(toProps) {
		if old, ok := fromProps[k]; !ok || old != toProps[k] {
			if changes.SetProfile == nil {
				changes.SetProfile = map[string]string{}
			}
			changes.SetProfile[k] = toProps[k]
		}
	}
	for _, k := range sortedKeys(fromProps) {
		if _, ok := toProps[k]; !ok {
			changes.RemoveProfile = append(changes.RemoveProfile, k)
		}
	}

	// An update carries the old unit's properties over to the new one, so
	// those are the baseline for the new unit.
	carried := make(map[metadata.UnitKey]metadata.UnitKey)
	for _, op := range ops {
		if op.Kind() == profile.OperandUpdate {
			carried[op.After.Key()] = op.Before.Key()
		}
	}

	for _, u := range to.Units() {
		key := u.Key()
		var baseline map[string]string
		switch {
		case from.Contains(u):
			baseline = from.UnitProperties(key)
		case carried[key].ID != "":
			baseline = from.UnitProperties(carried[key])
		}
		target := to.UnitProperties(key)
		for _, k := range sortedKeys(target) {
			if old, ok := baseline[k]; !ok || old != target[k] {
				changes.SetUnitProperty(key, k, target[k])
			}
		}
		for _, k := range sortedKeys(baseline) {
			if _, ok := target[k]; !ok {
				changes.RemoveUnitProperty(key, k)
			}
		}
	}
	return changes
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
