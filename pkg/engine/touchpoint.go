package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// Reserved action parameters injected by the engine. Instruction parameters
// with the same names are overwritten.
const (
	ParamProfile = "profile"
	ParamSession = "session"
	ParamIU      = "iu"
	ParamPhase   = "phase"
)

// ActionContext is passed to Action.Execute and Action.Undo.
type ActionContext struct {
	// Phase is the running phase.
	Phase PhaseID

	// ActionID is the id the action was looked up by.
	ActionID string

	// Operand is the plan operand being processed.
	Operand profile.Operand

	// Unit is the unit the phase acts on, as returned by PrepareUnit.
	Unit *metadata.InstallableUnit

	// Params are the instruction parameters plus the reserved keys.
	Params map[string]string

	// Session is the running engine session.
	Session *Session

	// Memento holds whatever Execute needs to remember for Undo.
	Memento map[string]string
}

// Param returns a parameter or "".
func (a *ActionContext) Param(key string) string {
	return a.Params[key]
}

// RequireParam returns a parameter or an error naming it.
func (a *ActionContext) RequireParam(key string) (string, error) {
	v, ok := a.Params[key]
	if !ok || v == "" {
		return "", fmt.Errorf("action %s: missing parameter %q", a.ActionID, key)
	}
	return v, nil
}

func newActionContext(session *Session, phase PhaseID, actionID string, op profile.Operand, unit *metadata.InstallableUnit, params map[string]string) *ActionContext {
	p := maps.Clone(params)
	if p == nil {
		p = map[string]string{}
	}
	p[ParamProfile] = session.Profile().ID()
	p[ParamSession] = session.ID()
	p[ParamIU] = unit.String()
	p[ParamPhase] = string(phase)
	return &ActionContext{
		Phase:    phase,
		ActionID: actionID,
		Operand:  op,
		Unit:     unit,
		Params:   p,
		Session:  session,
		Memento:  map[string]string{},
	}
}

// ActionFunc adapts a pair of functions to the Action interface. A nil undo
// function is a no-op.
type ActionFunc struct {
	ExecuteFunc func(ctx context.Context, actx *ActionContext) error
	UndoFunc    func(ctx context.Context, actx *ActionContext) error
}

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, actx *ActionContext) error {
	if f.ExecuteFunc == nil {
		return nil
	}
	return f.ExecuteFunc(ctx, actx)
}

// Undo implements Action.
func (f ActionFunc) Undo(ctx context.Context, actx *ActionContext) error {
	if f.UndoFunc == nil {
		return nil
	}
	return f.UndoFunc(ctx, actx)
}

// BaseTouchpoint implements every Touchpoint hook as a no-op and serves
// actions from a map. Touchpoints embed it and override what they need.
type BaseTouchpoint struct {
	TypeName string
	Actions  map[string]Action
}

// NewBaseTouchpoint returns a BaseTouchpoint with the given actions.
func NewBaseTouchpoint(typeName string, actions map[string]Action) *BaseTouchpoint {
	return &BaseTouchpoint{TypeName: typeName, Actions: actions}
}

// Type implements Touchpoint.
func (t *BaseTouchpoint) Type() string { return t.TypeName }

// ActionFor implements Touchpoint.
func (t *BaseTouchpoint) ActionFor(id string) (Action, error) {
	a, ok := t.Actions[id]
	if !ok {
		return nil, NewActionError(fmt.Sprintf("no action %q in touchpoint %q", id, t.TypeName), nil).
			WithCode(ErrCodeActionNotFound).WithOperation(id)
	}
	return a, nil
}

// InitializePhase implements Touchpoint.
func (t *BaseTouchpoint) InitializePhase(context.Context, *Session, PhaseID) error { return nil }

// CompletePhase implements Touchpoint.
func (t *BaseTouchpoint) CompletePhase(context.Context, *Session, PhaseID) error { return nil }

// InitializeOperand implements Touchpoint.
func (t *BaseTouchpoint) InitializeOperand(context.Context, *Session, PhaseID, profile.Operand) error {
	return nil
}

// CompleteOperand implements Touchpoint.
func (t *BaseTouchpoint) CompleteOperand(context.Context, *Session, PhaseID, profile.Operand) error {
	return nil
}

// PrepareUnit implements Touchpoint.
func (t *BaseTouchpoint) PrepareUnit(unit *metadata.InstallableUnit) (*metadata.InstallableUnit, error) {
	return unit, nil
}

// TouchpointRegistry maps touchpoint types to touchpoints.
type TouchpointRegistry struct {
	mu          sync.RWMutex
	touchpoints map[string]Touchpoint
}

// NewTouchpointRegistry creates an empty registry.
func NewTouchpointRegistry() *TouchpointRegistry {
	return &TouchpointRegistry{touchpoints: make(map[string]Touchpoint)}
}

// Register adds a touchpoint. Registering a type twice is an error.
func (r *TouchpointRegistry) Register(tp Touchpoint) error {
	if tp == nil || tp.Type() == "" {
		return fmt.Errorf("touchpoint must have a type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.touchpoints[tp.Type()]; exists {
		return fmt.Errorf("touchpoint %q already registered", tp.Type())
	}
	r.touchpoints[tp.Type()] = tp
	return nil
}

// TouchpointFor implements TouchpointResolver.
func (r *TouchpointRegistry) TouchpointFor(touchpointType string) (Touchpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tp, ok := r.touchpoints[touchpointType]
	if !ok {
		return nil, NewActionError(fmt.Sprintf("no touchpoint registered for type %q", touchpointType), nil).
			WithCode(ErrCodeTouchpointNotFound)
	}
	return tp, nil
}

// Types returns the registered types, sorted.
func (r *TouchpointRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.touchpoints))
	for t := range r.touchpoints {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
