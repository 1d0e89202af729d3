package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	defaultMemoryLimitPages = 256 // 16MiB
	defaultTimeout          = 30 * time.Second
)

// request is the JSON document passed to the module's execute and undo
// exports.
type request struct {
	Action  string            `json:"action"`
	Phase   string            `json:"phase"`
	Profile string            `json:"profile,omitempty"`
	Unit    *unitRef          `json:"unit,omitempty"`
	Params  map[string]string `json:"params"`
	Memento map[string]string `json:"memento"`
}

type unitRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// response is what the module returns. A non-empty Error fails the action.
type response struct {
	Memento map[string]string `json:"memento,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// module is one instantiated WebAssembly module. Calls are serialized
// because linear memory is shared.
type module struct {
	manifest *Manifest
	runtime  wazero.Runtime
	instance api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	execute  api.Function
	undo     api.Function
	timeout  time.Duration

	mu sync.Mutex
}

func instantiate(ctx context.Context, manifest *Manifest, wasmBytes []byte, logger zerolog.Logger) (*module, error) {
	pages := manifest.MemoryLimitPages
	if pages == 0 {
		pages = defaultMemoryLimitPages
	}
	timeout := manifest.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	modLogger := logger.With().Str("module", manifest.Name).Str("version", manifest.Version).Logger()
	if _, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			modLogger.WithLevel(logLevel(level)).Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	instance, err := runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	m := &module{
		manifest: manifest,
		runtime:  runtime,
		instance: instance,
		memory:   instance.Memory(),
		timeout:  timeout,
	}
	if m.memory == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("WASM module %s does not export memory", manifest.Name)
	}
	for name, fn := range map[string]*api.Function{
		"malloc":  &m.malloc,
		"free":    &m.free,
		"execute": &m.execute,
		"undo":    &m.undo,
	} {
		*fn = instance.ExportedFunction(name)
		if *fn == nil {
			runtime.Close(ctx)
			return nil, fmt.Errorf("WASM module %s does not export %s function", manifest.Name, name)
		}
	}
	return m, nil
}

// logLevel maps the guest's numeric level: 0 debug, 1 info, 2 warn, 3 error.
func logLevel(level uint32) zerolog.Level {
	switch level {
	case 0:
		return zerolog.DebugLevel
	case 1:
		return zerolog.InfoLevel
	case 2:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (m *module) call(ctx context.Context, fn api.Function, req *request) (*response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.invoke(ctx, fn, input)
	if err != nil {
		return nil, err
	}
	var resp response
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// invoke copies input into guest memory and calls fn(ptr, len), which
// returns (outputPtr << 32) | outputLen.
func (m *module) invoke(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	ptr, err := m.allocate(ctx, uint32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
	}
	defer m.deallocate(ctx, ptr)

	if !m.memory.Write(ptr, input) {
		return nil, fmt.Errorf("failed to write input to WASM memory")
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}
	view, ok := m.memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := bytes.Clone(view)
	if outPtr != ptr {
		m.deallocate(ctx, outPtr)
	}
	return output, nil
}

func (m *module) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (m *module) deallocate(ctx context.Context, ptr uint32) {
	// The output has already been copied; a failed free only leaks guest memory.
	_, _ = m.free.Call(ctx, uint64(ptr))
}

func (m *module) close(ctx context.Context) error {
	if err := m.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime for %s: %w", m.manifest.Name, err)
	}
	return nil
}
