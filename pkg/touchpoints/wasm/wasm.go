// Package wasm implements a touchpoint whose actions are served by
// WebAssembly modules running under wazero.
//
// A module exports memory, malloc(size) and free(ptr) plus two entry points,
// execute(ptr, len) and undo(ptr, len). Both receive a JSON request
//
//	{"action": "...", "phase": "...", "profile": "...",
//	 "unit": {"id": "...", "version": "..."},
//	 "params": {...}, "memento": {...}}
//
// and return a packed (ptr << 32 | len) pointer to a JSON response
// {"memento": {...}, "error": "..."}. The returned memento is merged into
// the action's memento. The host module "env" provides
// log(level, ptr, len).
package wasm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/director/pkg/engine"
)

// TypeName is the touchpoint type units declare to use this touchpoint.
const TypeName = "wasm"

// Touchpoint dispatches actions to loaded modules.
type Touchpoint struct {
	*engine.BaseTouchpoint

	mu      sync.Mutex
	modules []*module
	logger  zerolog.Logger
}

// Option configures a Touchpoint.
type Option func(*Touchpoint)

// WithLogger sets the logger used for load events and guest log calls.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Touchpoint) {
		t.logger = logger.With().Str("component", "wasm-touchpoint").Logger()
	}
}

// New creates a touchpoint with no modules loaded.
func New(opts ...Option) *Touchpoint {
	t := &Touchpoint{
		BaseTouchpoint: engine.NewBaseTouchpoint(TypeName, map[string]engine.Action{}),
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load reads the manifest at path and the module it names, verifies the
// checksum, and registers the module's actions.
func (t *Touchpoint) Load(ctx context.Context, path string) error {
	manifest, err := LoadManifest(path)
	if err != nil {
		return err
	}
	wasmBytes, err := os.ReadFile(manifest.ModulePath())
	if err != nil {
		return fmt.Errorf("failed to read WASM module: %w", err)
	}
	return t.LoadModule(ctx, manifest, wasmBytes)
}

// LoadModule instantiates wasmBytes for manifest and registers its actions.
// Action ids must not collide with actions already registered.
func (t *Touchpoint) LoadModule(ctx context.Context, manifest *Manifest, wasmBytes []byte) error {
	if err := manifest.VerifyChecksum(wasmBytes); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range manifest.Actions {
		if _, exists := t.Actions[id]; exists {
			return fmt.Errorf("action %q of module %s is already registered", id, manifest.Name)
		}
	}

	mod, err := instantiate(ctx, manifest, wasmBytes, t.logger)
	if err != nil {
		return err
	}
	t.modules = append(t.modules, mod)
	for _, id := range manifest.Actions {
		t.Actions[id] = &action{id: id, mod: mod}
	}
	t.logger.Info().
		Str("module", manifest.Name).
		Str("version", manifest.Version).
		Strs("actions", manifest.Actions).
		Msg("WASM module loaded")
	return nil
}

// ActionFor implements engine.Touchpoint.
func (t *Touchpoint) ActionFor(id string) (engine.Action, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.BaseTouchpoint.ActionFor(id)
}

// Close releases every module runtime.
func (t *Touchpoint) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result *multierror.Error
	for _, mod := range t.modules {
		if err := mod.close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.modules = nil
	t.Actions = map[string]engine.Action{}
	return result.ErrorOrNil()
}

type action struct {
	id  string
	mod *module
}

func (a *action) Execute(ctx context.Context, actx *engine.ActionContext) error {
	return a.run(ctx, a.mod.execute, "execute", actx)
}

func (a *action) Undo(ctx context.Context, actx *engine.ActionContext) error {
	return a.run(ctx, a.mod.undo, "undo", actx)
}

func (a *action) run(ctx context.Context, fn api.Function, name string, actx *engine.ActionContext) error {
	req := &request{
		Action:  a.id,
		Phase:   string(actx.Phase),
		Params:  actx.Params,
		Memento: actx.Memento,
	}
	if actx.Session != nil {
		req.Profile = actx.Session.Profile().ID()
	}
	if actx.Unit != nil {
		req.Unit = &unitRef{ID: actx.Unit.ID, Version: actx.Unit.Version.String()}
	}

	resp, err := a.mod.call(ctx, fn, req)
	if err != nil {
		return fmt.Errorf("wasm %s %s: %w", a.id, name, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("wasm %s %s: %s", a.id, name, resp.Error)
	}
	if actx.Memento == nil {
		actx.Memento = make(map[string]string, len(resp.Memento))
	}
	for k, v := range resp.Memento {
		actx.Memento[k] = v
	}
	return nil
}
