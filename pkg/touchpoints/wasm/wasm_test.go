package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// section encodes a module section. Bodies used here stay under 128 bytes,
// so the size fits a single LEB128 byte.
func section(id byte, body ...byte) []byte {
	return append([]byte{id, byte(len(body))}, body...)
}

func exportName(name string, kind, index byte) []byte {
	out := append([]byte{byte(len(name))}, name...)
	return append(out, kind, index)
}

func funcBody(code ...byte) []byte {
	return append([]byte{byte(len(code))}, code...)
}

// echoModule builds a module whose execute returns its input unchanged and
// whose undo always answers {"error":"boom"}.
func echoModule() []byte {
	var exports []byte
	exports = append(exports, 5)
	exports = append(exports, exportName("memory", 0x02, 0)...)
	exports = append(exports, exportName("malloc", 0x00, 0)...)
	exports = append(exports, exportName("free", 0x00, 1)...)
	exports = append(exports, exportName("execute", 0x00, 2)...)
	exports = append(exports, exportName("undo", 0x00, 3)...)

	var code []byte
	code = append(code, 4)
	// malloc: bump allocator over global 0.
	code = append(code, funcBody(0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b)...)
	// free: no-op.
	code = append(code, funcBody(0x00, 0x0b)...)
	// execute: (ptr << 32) | len
	code = append(code, funcBody(0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b)...)
	// undo: the 16 bytes at address 0.
	code = append(code, funcBody(0x00, 0x42, 0x10, 0x0b)...)

	payload := []byte(`{"error":"boom"}`)
	data := append([]byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(payload))}, payload...)

	var out []byte
	out = append(out, 0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)
	out = append(out, section(1,
		0x03,
		0x60, 0x01, 0x7f, 0x01, 0x7f,
		0x60, 0x01, 0x7f, 0x00,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	)...)
	out = append(out, section(3, 0x04, 0x00, 0x01, 0x02, 0x02)...)
	out = append(out, section(5, 0x01, 0x00, 0x01)...)
	out = append(out, section(6, 0x01, 0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b)...)
	out = append(out, section(7, exports...)...)
	out = append(out, section(10, code...)...)
	out = append(out, section(11, data...)...)
	return out
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newActx(id string, memento map[string]string) *engine.ActionContext {
	return &engine.ActionContext{
		Phase:    engine.PhaseInstall,
		ActionID: id,
		Unit:     &metadata.InstallableUnit{ID: "tool", Version: metadata.MustParseVersion("1.0.0")},
		Params:   map[string]string{"target": "/opt/tool"},
		Session:  engine.NewSession(profile.Empty("p", nil), nil),
		Memento:  memento,
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "valid",
			doc: `name: tools
version: 1.0.0
module: tools.wasm
actions: [unpack, verify]
timeout: 5s
`,
		},
		{name: "missing module", doc: "name: tools\nversion: 1.0.0\nactions: [a]\n", wantErr: true},
		{name: "no actions", doc: "name: tools\nversion: 1.0.0\nmodule: m.wasm\n", wantErr: true},
		{name: "duplicate action", doc: "name: tools\nversion: 1.0.0\nmodule: m.wasm\nactions: [a, a]\n", wantErr: true},
		{name: "bad checksum", doc: "name: tools\nversion: 1.0.0\nmodule: m.wasm\nchecksum: xyz\nactions: [a]\n", wantErr: true},
		{name: "not yaml", doc: "name: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.doc))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"unpack", "verify"}, m.Actions)
			assert.Equal(t, "5s", m.Timeout.String())
		})
	}
}

func TestLoad_ExecuteAndUndo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	wasmBytes := echoModule()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.wasm"), wasmBytes, 0o644))
	manifest := "name: echo\nversion: 1.0.0\nmodule: echo.wasm\nchecksum: " + checksum(wasmBytes) + "\nactions: [echo]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(manifest), 0o644))

	tp := New()
	require.NoError(t, tp.Load(ctx, filepath.Join(dir, "echo.yaml")))
	t.Cleanup(func() { _ = tp.Close(ctx) })

	action, err := tp.ActionFor("echo")
	require.NoError(t, err)

	actx := newActx("echo", map[string]string{"installed": "yes"})
	require.NoError(t, action.Execute(ctx, actx))
	assert.Equal(t, map[string]string{"installed": "yes"}, actx.Memento)

	// Calls are repeatable; the allocator keeps handing out fresh memory.
	require.NoError(t, action.Execute(ctx, actx))

	err = action.Undo(ctx, actx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestLoadModule_Rejections(t *testing.T) {
	ctx := context.Background()
	tp := New()
	t.Cleanup(func() { _ = tp.Close(ctx) })

	wasmBytes := echoModule()
	bad := &Manifest{Name: "echo", Version: "1", Module: "x.wasm", Actions: []string{"echo"}, Checksum: checksum([]byte("other"))}
	err := tp.LoadModule(ctx, bad, wasmBytes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	empty := &Manifest{Name: "empty", Version: "1", Module: "x.wasm", Actions: []string{"noop"}}
	err = tp.LoadModule(ctx, empty, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export")

	ok := &Manifest{Name: "echo", Version: "1", Module: "x.wasm", Actions: []string{"echo"}}
	require.NoError(t, tp.LoadModule(ctx, ok, wasmBytes))
	err = tp.LoadModule(ctx, ok, wasmBytes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestClose_DropsActions(t *testing.T) {
	ctx := context.Background()
	tp := New()
	require.NoError(t, tp.LoadModule(ctx, &Manifest{Name: "echo", Version: "1", Module: "x.wasm", Actions: []string{"echo"}}, echoModule()))
	require.NoError(t, tp.Close(ctx))

	_, err := tp.ActionFor("echo")
	assert.Equal(t, engine.ErrCodeActionNotFound, engine.CodeOf(err))
}
