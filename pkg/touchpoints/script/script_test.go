package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

const counterScript = `
def execute(ctx):
    if ctx.params["mode"] == "fail":
        fail("refusing to run in", ctx.phase)
    ctx.memento["seen"] = ctx.unit
    log("configured " + ctx.unit, "debug")
    return {"count": len(ctx.params)}

def undo(ctx):
    if ctx.memento.get("seen") == None:
        fail("undo without execute")
    ctx.memento["undone"] = "yes"
`

func newActx(id string, params map[string]string) *engine.ActionContext {
	return &engine.ActionContext{
		Phase:    engine.PhaseConfigure,
		ActionID: id,
		Unit:     &metadata.InstallableUnit{ID: "app", Version: metadata.MustParseVersion("2.0.0")},
		Params:   params,
		Session:  engine.NewSession(profile.Empty("p", nil), nil),
		Memento:  map[string]string{},
	}
}

func TestScript_ExecuteAndUndo(t *testing.T) {
	tp := New()
	require.NoError(t, tp.Add("counter", counterScript))

	action, err := tp.ActionFor("counter")
	require.NoError(t, err)

	actx := newActx("counter", map[string]string{"mode": "ok", "other": "x"})
	require.NoError(t, action.Execute(context.Background(), actx))
	assert.Equal(t, "app 2.0.0", actx.Memento["seen"])
	assert.Equal(t, "2", actx.Memento["count"])

	require.NoError(t, action.Undo(context.Background(), actx))
	assert.Equal(t, "yes", actx.Memento["undone"])
}

func TestScript_FailIsAnError(t *testing.T) {
	tp := New()
	require.NoError(t, tp.Add("counter", counterScript))
	action, err := tp.ActionFor("counter")
	require.NoError(t, err)

	err = action.Execute(context.Background(), newActx("counter", map[string]string{"mode": "fail"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to run in configure")

	err = action.Undo(context.Background(), newActx("counter", map[string]string{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undo without execute")
}

func TestScript_ParamsAreFrozen(t *testing.T) {
	tp := New()
	require.NoError(t, tp.Add("mutate", `
def execute(ctx):
    ctx.params["x"] = "y"
`))
	action, err := tp.ActionFor("mutate")
	require.NoError(t, err)
	assert.Error(t, action.Execute(context.Background(), newActx("mutate", map[string]string{})))
}

func TestScript_UndoIsOptional(t *testing.T) {
	tp := New()
	require.NoError(t, tp.Add("noop", "def execute(ctx):\n    pass\n"))
	action, err := tp.ActionFor("noop")
	require.NoError(t, err)

	actx := newActx("noop", nil)
	require.NoError(t, action.Execute(context.Background(), actx))
	require.NoError(t, action.Undo(context.Background(), actx))
	assert.Empty(t, actx.Memento)
}

func TestScript_AddRejectsBadScripts(t *testing.T) {
	tp := New()
	assert.Error(t, tp.Add("", "def execute(ctx):\n    pass\n"))
	assert.Error(t, tp.Add("syntax", "def execute(ctx)\n"))
	assert.Error(t, tp.Add("unknown", "def execute(ctx):\n    undefined_builtin()\n"))

	require.NoError(t, tp.Add("twice", "def execute(ctx):\n    pass\n"))
	assert.Error(t, tp.Add("twice", "def execute(ctx):\n    pass\n"))
}

func TestScript_MissingExecute(t *testing.T) {
	tp := New()
	require.NoError(t, tp.Add("empty", "x = 1\n"))
	action, err := tp.ActionFor("empty")
	require.NoError(t, err)

	err = action.Execute(context.Background(), newActx("empty", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not define execute")
}

func TestScript_StepLimit(t *testing.T) {
	tp := New(WithMaxSteps(1000))
	require.NoError(t, tp.Add("spin", `
def execute(ctx):
    for i in range(1000000):
        pass
`))
	action, err := tp.ActionFor("spin")
	require.NoError(t, err)
	assert.Error(t, action.Execute(context.Background(), newActx("spin", nil)))
}

func TestScript_CancelledContext(t *testing.T) {
	tp := New()
	require.NoError(t, tp.Add("noop", "def execute(ctx):\n    pass\n"))
	action, err := tp.ActionFor("noop")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, action.Execute(ctx, newActx("noop", nil)), context.Canceled)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first.star"), []byte("def execute(ctx):\n    pass\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.star"), []byte("def execute(ctx):\n    pass\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	tp := New()
	require.NoError(t, tp.LoadDir(dir))
	assert.Len(t, tp.Actions, 2)
	_, err := tp.ActionFor("second")
	assert.NoError(t, err)

	_, err = tp.ActionFor("notes")
	assert.Equal(t, engine.ErrCodeActionNotFound, engine.CodeOf(err))
}
