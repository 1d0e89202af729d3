// Package script implements a touchpoint whose actions are Starlark
// programs. Each program defines execute(ctx) and optionally undo(ctx).
//
// The ctx argument is a struct with these fields:
//
//	action   the action id
//	phase    the running phase
//	profile  the profile id
//	unit     the unit as "id version"
//	params   the instruction parameters (frozen dict)
//	memento  a dict execute fills in and undo reads back
//
// Both functions may return a dict of strings, which is merged into the
// memento. Calling fail() aborts the action with an error.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/director/pkg/engine"
)

// TypeName is the touchpoint type units declare to use this touchpoint.
const TypeName = "script"

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxSteps = 10_000_000
)

// Touchpoint runs Starlark actions.
type Touchpoint struct {
	*engine.BaseTouchpoint

	mu       sync.Mutex
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// Option configures a Touchpoint.
type Option func(*Touchpoint)

// WithTimeout bounds the run time of a single execute or undo call.
func WithTimeout(d time.Duration) Option {
	return func(t *Touchpoint) { t.timeout = d }
}

// WithMaxSteps bounds the number of Starlark computation steps per call.
func WithMaxSteps(n uint64) Option {
	return func(t *Touchpoint) { t.maxSteps = n }
}

// WithLogger sets the logger scripts write to through log().
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Touchpoint) {
		t.logger = logger.With().Str("component", "script-touchpoint").Logger()
	}
}

// New creates a script touchpoint with no actions.
func New(opts ...Option) *Touchpoint {
	t := &Touchpoint{
		BaseTouchpoint: engine.NewBaseTouchpoint(TypeName, map[string]engine.Action{}),
		timeout:        defaultTimeout,
		maxSteps:       defaultMaxSteps,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add compiles source and registers it as action name.
func (t *Touchpoint) Add(name, source string) error {
	if name == "" {
		return fmt.Errorf("script name is required")
	}
	_, prog, err := starlark.SourceProgram(name+".star", source, isPredeclared)
	if err != nil {
		return fmt.Errorf("failed to compile script %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.Actions[name]; exists {
		return fmt.Errorf("script action %q already registered", name)
	}
	t.Actions[name] = &action{name: name, prog: prog, tp: t}
	return nil
}

// LoadDir registers every .star file in dir under its base name.
func (t *Touchpoint) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return fmt.Errorf("failed to list scripts: %w", err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".star")
		if err := t.Add(name, string(data)); err != nil {
			return err
		}
		t.logger.Debug().Str("script", name).Str("path", path).Msg("Script loaded")
	}
	return nil
}

// ActionFor implements engine.Touchpoint.
func (t *Touchpoint) ActionFor(id string) (engine.Action, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.BaseTouchpoint.ActionFor(id)
}

var predeclaredNames = map[string]bool{"struct": true, "log": true}

func isPredeclared(name string) bool { return predeclaredNames[name] }

type action struct {
	name string
	prog *starlark.Program
	tp   *Touchpoint
}

func (a *action) Execute(ctx context.Context, actx *engine.ActionContext) error {
	return a.call(ctx, "execute", true, actx)
}

func (a *action) Undo(ctx context.Context, actx *engine.ActionContext) error {
	return a.call(ctx, "undo", false, actx)
}

// call runs the program and invokes fn. A missing optional function is a
// no-op.
func (a *action) call(ctx context.Context, fn string, required bool, actx *engine.ActionContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.tp.timeout)
	defer cancel()

	logger := a.tp.logger.With().Str("script", a.name).Str("function", fn).Logger()
	thread := &starlark.Thread{
		Name: a.name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(a.tp.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := a.prog.Init(thread, starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"log":    logBuiltin(logger),
	})
	if err != nil {
		return fmt.Errorf("script %s: %w", a.name, err)
	}
	callable, ok := globals[fn].(starlark.Callable)
	if !ok {
		if required {
			return fmt.Errorf("script %s does not define %s(ctx)", a.name, fn)
		}
		return nil
	}

	memento := starlark.NewDict(len(actx.Memento))
	for k, v := range actx.Memento {
		if err := memento.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return err
		}
	}
	arg, err := contextValue(actx, memento)
	if err != nil {
		return err
	}

	result, err := starlark.Call(thread, callable, starlark.Tuple{arg}, nil)
	if err != nil {
		return fmt.Errorf("script %s %s: %w", a.name, fn, err)
	}
	if err := mergeMemento(actx.Memento, memento); err != nil {
		return err
	}
	if d, ok := result.(*starlark.Dict); ok {
		return mergeMemento(actx.Memento, d)
	}
	return nil
}

func contextValue(actx *engine.ActionContext, memento *starlark.Dict) (starlark.Value, error) {
	params := starlark.NewDict(len(actx.Params))
	for k, v := range actx.Params {
		if err := params.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}
	params.Freeze()

	fields := starlark.StringDict{
		"action":  starlark.String(actx.ActionID),
		"phase":   starlark.String(actx.Phase),
		"params":  params,
		"memento": memento,
		"profile": starlark.String(""),
		"unit":    starlark.String(""),
	}
	if actx.Session != nil {
		fields["profile"] = starlark.String(actx.Session.Profile().ID())
	}
	if actx.Unit != nil {
		fields["unit"] = starlark.String(actx.Unit.String())
	}
	return starlarkstruct.FromStringDict(starlark.String("context"), fields), nil
}

func mergeMemento(dst map[string]string, d *starlark.Dict) error {
	for _, item := range d.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return fmt.Errorf("memento keys must be strings, got %s", item[0].Type())
		}
		if s, ok := starlark.AsString(item[1]); ok {
			dst[key] = s
		} else {
			dst[key] = item[1].String()
		}
	}
	return nil
}

func logBuiltin(logger zerolog.Logger) *starlark.Builtin {
	return starlark.NewBuiltin("log", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		level := "info"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "level?", &level); err != nil {
			return nil, err
		}
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		logger.WithLevel(lvl).Msg(msg)
		return starlark.None, nil
	})
}
