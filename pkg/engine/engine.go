package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/telemetry"
)

// Engine executes provisioning plans. Each phase runs over the plan's
// operands in order, dispatching unit instructions to touchpoints. Any failure
// rolls back every recorded action of the session; success commits the new
// profile to the registry.
type Engine struct {
	// registry loads the current profile and commits the new one
	registry ProfileRegistry

	// touchpoints resolves a unit's touchpoint type
	touchpoints TouchpointResolver

	// locks serializes executions per profile id
	locks *ProfileLocks

	// services are exposed to actions through the session
	services map[string]interface{}

	logger zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "engine").Logger()
	}
}

// WithProfileLocks shares a lock table between engines.
func WithProfileLocks(locks *ProfileLocks) EngineOption {
	return func(e *Engine) {
		e.locks = locks
	}
}

// WithService exposes svc to actions under name.
func WithService(name string, svc interface{}) EngineOption {
	return func(e *Engine) {
		e.services[name] = svc
	}
}

// NewEngine creates an engine committing to registry and dispatching to
// touchpoints.
func NewEngine(registry ProfileRegistry, touchpoints TouchpointResolver, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:    registry,
		touchpoints: touchpoints,
		locks:       NewProfileLocks(),
		services:    make(map[string]interface{}),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan against its profile. Only one execution per profile id
// may be in flight; a concurrent request is rejected with a conflict.
func (e *Engine) Execute(ctx context.Context, plan *Plan) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{}
	if plan != nil {
		result.PlanID = plan.ID
	}
	fail := func(err error) *ExecutionResult {
		result.Status = ErrorStatus("Cannot execute the plan", err)
		result.Duration = time.Since(start)
		return result
	}

	if err := plan.Validate(); err != nil {
		return fail(err)
	}

	unlock, ok, err := e.locks.TryLock(plan.ProfileID)
	if err != nil {
		return fail(newError(ErrorClassPersistence, fmt.Sprintf("failed to lock profile %s", plan.ProfileID), err))
	}
	if !ok {
		return fail(NewConflictError(fmt.Sprintf("profile %s is being modified by another execution", plan.ProfileID), nil).
			WithCode(ErrCodeProfileBusy))
	}
	defer unlock()

	current, err := e.registry.GetProfile(ctx, plan.ProfileID)
	if err != nil {
		return fail(NewPersistenceError(fmt.Sprintf("failed to load profile %s", plan.ProfileID), err))
	}
	if current == nil {
		return fail(NewValidationError(fmt.Sprintf("profile %s does not exist", plan.ProfileID), nil).
			WithCode(ErrCodeProfileNotFound))
	}
	if current.Timestamp() != plan.BaseTimestamp {
		return fail(NewConflictError(
			fmt.Sprintf("plan was computed against profile %s@%d but the latest snapshot is @%d",
				plan.ProfileID, plan.BaseTimestamp, current.Timestamp()), nil).
			WithCode(ErrCodeStalePlan))
	}

	if plan.IsEmpty() {
		result.Status = OKStatus("Nothing to do")
		result.Profile = current
		result.Duration = time.Since(start)
		return result
	}

	env := plan.Environment
	if env == nil {
		env = current.Environment()
	}
	session := NewSession(current, env)
	session.RegisterService(ServiceProfileRegistry, e.registry)
	for name, svc := range e.services {
		session.RegisterService(name, svc)
	}
	result.SessionID = session.ID()

	ctx = telemetry.WithExecutionContext(ctx, session.ID(), plan.ProfileID)
	logger := e.logger.With().
		Str("session_id", session.ID()).
		Str("profile_id", plan.ProfileID).
		Str("plan_id", plan.ID).
		Logger()
	logger.Info().Int("operands", len(plan.Operands)).Msg("Executing plan")

	committed, err := e.run(ctx, plan, session, result, logger)
	if err == nil {
		result.Profile = committed
		result.Status = OKStatus(fmt.Sprintf("Profile %s committed at %d", committed.ID(), committed.Timestamp()))
		result.Duration = time.Since(start)
		logger.Info().Int64("timestamp", committed.Timestamp()).Dur("duration", result.Duration).Msg("Plan executed")
		telemetry.EndExecutionContext(ctx, session.ID(), plan.ProfileID, "succeeded", nil)
		return result
	}

	logger.Error().Err(err).Msg("Execution failed, rolling back")
	status := ErrorStatus("Execution failed", err)
	undone, undoErr := e.rollback(ctx, session, logger)
	result.ActionsUndone = undone
	if undoErr != nil {
		status.Add(ErrorStatus("Rollback incomplete, manual intervention required",
			NewUndoError("rollback could not undo every action", undoErr)))
	} else {
		status.Add(OKStatus(fmt.Sprintf("Rolled back %d actions", undone)))
	}
	result.Status = status
	result.Duration = time.Since(start)

	outcome := "rolled_back"
	if undoErr != nil {
		outcome = "rollback_incomplete"
	}
	telemetry.EndExecutionContext(ctx, session.ID(), plan.ProfileID, outcome, err)
	return result
}

func checkCancelled(ctx context.Context, phase PhaseID) error {
	select {
	case <-ctx.Done():
		return NewCancelledError("execution cancelled", ctx.Err()).WithPhase(phase)
	default:
		return nil
	}
}

func (e *Engine) run(ctx context.Context, plan *Plan, session *Session, result *ExecutionResult, logger zerolog.Logger) (*profile.Profile, error) {
	prepared := make(map[string]*metadata.InstallableUnit)
	for _, phase := range Phases {
		if err := checkCancelled(ctx, phase); err != nil {
			return nil, err
		}
		if err := e.runPhase(ctx, plan, session, phase, prepared, result, logger); err != nil {
			return nil, err
		}
	}

	if err := checkCancelled(ctx, PhaseVerify); err != nil {
		return nil, err
	}
	final, err := profile.Apply(session.Profile(), plan.Operands, plan.PropertyChanges.Merge(session.PendingChanges()))
	if err != nil {
		return nil, NewActionError("failed to compute the new profile", err).WithPhase(PhaseProperty)
	}
	return e.commit(ctx, final, plan.BaseTimestamp)
}

func (e *Engine) commit(ctx context.Context, final *profile.Profile, base int64) (*profile.Profile, error) {
	ic := telemetry.StartOperation(ctx, "registry.commit", telemetry.AttrProfileID.String(final.ID()))
	committed, err := e.registry.Commit(ic.Ctx, final, base)
	ic.End(err)
	if err != nil {
		telemetry.RecordCommit(ctx, final.ID(), 0, err)
		if errors.Is(err, profile.ErrStaleSnapshot) {
			return nil, NewConflictError(
				fmt.Sprintf("profile %s was committed by another execution since @%d", final.ID(), base), err).
				WithCode(ErrCodeStalePlan)
		}
		return nil, NewPersistenceError(fmt.Sprintf("failed to commit profile %s", final.ID()), err)
	}
	telemetry.RecordCommit(ctx, committed.ID(), committed.Timestamp(), nil)
	return committed, nil
}

// phaseStep is one applicable operand of a phase with its touchpoint.
type phaseStep struct {
	op   profile.Operand
	unit *metadata.InstallableUnit
	tp   Touchpoint
}

func (e *Engine) runPhase(ctx context.Context, plan *Plan, session *Session, phase PhaseID, prepared map[string]*metadata.InstallableUnit, result *ExecutionResult, logger zerolog.Logger) (err error) {
	ctx = telemetry.WithPhaseContext(ctx, session.ID(), string(phase))
	defer func() {
		telemetry.EndPhaseContext(ctx, session.ID(), string(phase), err)
	}()

	if !phase.RunsActions() {
		target, err := profile.Apply(session.Profile(), plan.Operands, plan.PropertyChanges)
		if err != nil {
			return NewActionError("failed to apply property changes", err).WithPhase(phase)
		}
		session.setTarget(target)
		return nil
	}

	var steps []phaseStep
	var touchpoints []Touchpoint
	seen := make(map[string]bool)
	for _, op := range plan.Operands {
		unit := phase.UnitFor(op)
		if unit == nil {
			continue
		}
		if unit.Touchpoint == "" {
			if len(unit.InstructionsFor(string(phase))) > 0 {
				return NewActionError("unit has instructions but no touchpoint type", nil).
					WithCode(ErrCodeTouchpointNotFound).WithUnit(unit.String()).WithPhase(phase)
			}
			continue
		}
		tp, err := e.touchpoints.TouchpointFor(unit.Touchpoint)
		if err != nil {
			return asActionError(err, "touchpoint lookup failed").WithUnit(unit.String()).WithPhase(phase)
		}
		steps = append(steps, phaseStep{op: op, unit: unit, tp: tp})
		if !seen[tp.Type()] {
			seen[tp.Type()] = true
			touchpoints = append(touchpoints, tp)
		}
	}

	for _, tp := range touchpoints {
		if err := tp.InitializePhase(ctx, session, phase); err != nil {
			return NewActionError(fmt.Sprintf("touchpoint %s failed to initialize phase", tp.Type()), err).WithPhase(phase)
		}
	}
	for _, step := range steps {
		if err := checkCancelled(ctx, phase); err != nil {
			return err
		}
		if err := e.runOperand(ctx, session, phase, step, prepared, result, logger); err != nil {
			return err
		}
	}
	for _, tp := range touchpoints {
		if err := tp.CompletePhase(ctx, session, phase); err != nil {
			return NewActionError(fmt.Sprintf("touchpoint %s failed to complete phase", tp.Type()), err).WithPhase(phase)
		}
	}
	return nil
}

func (e *Engine) runOperand(ctx context.Context, session *Session, phase PhaseID, step phaseStep, prepared map[string]*metadata.InstallableUnit, result *ExecutionResult, logger zerolog.Logger) error {
	cacheKey := step.tp.Type() + "/" + step.unit.Key().String()
	unit, ok := prepared[cacheKey]
	if !ok {
		var err error
		unit, err = step.tp.PrepareUnit(step.unit)
		if err != nil {
			return NewActionError("failed to prepare unit", err).WithUnit(step.unit.String()).WithPhase(phase)
		}
		prepared[cacheKey] = unit
	}

	if err := step.tp.InitializeOperand(ctx, session, phase, step.op); err != nil {
		return NewActionError("failed to initialize operand", err).WithUnit(unit.String()).WithPhase(phase)
	}

	for _, in := range unit.InstructionsFor(string(phase)) {
		action, err := step.tp.ActionFor(in.Action)
		if err != nil {
			return asActionError(err, fmt.Sprintf("action %s not available", in.Action)).
				WithUnit(unit.String()).WithPhase(phase).WithOperation(in.Action)
		}

		actx := newActionContext(session, phase, in.Action, step.op, unit, in.Params)
		started := time.Now()
		err = action.Execute(ctx, actx)
		telemetry.RecordAction(ctx, string(phase), in.Action, time.Since(started), err)
		if err != nil {
			return NewActionError(fmt.Sprintf("action %s failed", in.Action), err).
				WithUnit(unit.String()).WithPhase(phase).WithOperation(in.Action)
		}
		result.ActionsExecuted++
		session.RecordUndo(phase, unit.String(), in.Action, func(ctx context.Context) error {
			return action.Undo(ctx, actx)
		})
		logger.Debug().Str("phase", string(phase)).Str("unit", unit.String()).Str("action", in.Action).Msg("Action executed")
	}

	if err := step.tp.CompleteOperand(ctx, session, phase, step.op); err != nil {
		return NewActionError("failed to complete operand", err).WithUnit(unit.String()).WithPhase(phase)
	}
	return nil
}

// rollback undoes the session. Undo runs even when ctx is cancelled.
func (e *Engine) rollback(ctx context.Context, session *Session, logger zerolog.Logger) (int, error) {
	undoCtx := context.WithoutCancel(ctx)
	telemetry.RecordRollbackStarted(undoCtx, session.ID(), session.UndoDepth())
	undone, err := session.rollback(undoCtx)
	if err != nil {
		logger.Error().Err(err).Int("undone", undone).Msg("Rollback incomplete")
	} else {
		logger.Warn().Int("undone", undone).Msg("Rollback completed")
	}
	telemetry.RecordRollback(undoCtx, session.ID(), undone, err)
	return undone, err
}

// asActionError keeps an existing EngineError and wraps anything else.
func asActionError(err error, message string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return NewActionError(message, err)
}
