package native

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

type harness struct {
	tp      *Touchpoint
	session *engine.Session
	unit    *metadata.InstallableUnit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		tp:      New(t.TempDir()),
		session: engine.NewSession(profile.Empty("p", nil), nil),
		unit:    &metadata.InstallableUnit{ID: "app", Version: metadata.MustParseVersion("1.2.0")},
	}
}

func (h *harness) actx(id string, params map[string]string) *engine.ActionContext {
	return &engine.ActionContext{
		Phase:    engine.PhaseInstall,
		ActionID: id,
		Unit:     h.unit,
		Params:   params,
		Session:  h.session,
		Memento:  map[string]string{},
	}
}

// run executes an action and returns its context for a later undo.
func (h *harness) run(t *testing.T, id string, params map[string]string) *engine.ActionContext {
	t.Helper()
	action, err := h.tp.ActionFor(id)
	require.NoError(t, err)
	actx := h.actx(id, params)
	require.NoError(t, action.Execute(context.Background(), actx))
	return actx
}

func (h *harness) undo(t *testing.T, actx *engine.ActionContext) {
	t.Helper()
	action, err := h.tp.ActionFor(actx.ActionID)
	require.NoError(t, err)
	require.NoError(t, action.Undo(context.Background(), actx))
}

func (h *harness) file(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.tp.Root(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMkdir_UndoRemovesOnlyCreatedDirectories(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Mkdir(filepath.Join(h.tp.Root(), "opt"), 0o755))

	actx := h.run(t, ActionMkdir, map[string]string{"path": "opt/${unit.id}/lib"})
	assert.DirExists(t, filepath.Join(h.tp.Root(), "opt", "app", "lib"))

	h.undo(t, actx)
	assert.NoDirExists(t, filepath.Join(h.tp.Root(), "opt", "app"))
	assert.DirExists(t, filepath.Join(h.tp.Root(), "opt"))
}

func TestMkdir_ExistingDirectoryIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Mkdir(filepath.Join(h.tp.Root(), "data"), 0o755))

	actx := h.run(t, ActionMkdir, map[string]string{"path": "data"})
	h.undo(t, actx)
	assert.DirExists(t, filepath.Join(h.tp.Root(), "data"))
}

func TestRmdir_UndoRecreates(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.tp.Root(), "empty")
	require.NoError(t, os.Mkdir(dir, 0o700))

	actx := h.run(t, ActionRmdir, map[string]string{"path": "empty"})
	assert.NoDirExists(t, dir)

	h.undo(t, actx)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestCopy_FileAndTree(t *testing.T) {
	h := newHarness(t)
	h.file(t, "src/bin/tool", "#!/bin/sh\n")
	h.file(t, "src/README", "hello")

	fileCtx := h.run(t, ActionCopy, map[string]string{"source": "src/README", "target": "dst/README"})
	data, err := os.ReadFile(filepath.Join(h.tp.Root(), "dst", "README"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	treeCtx := h.run(t, ActionCopy, map[string]string{"source": "src/bin", "target": "${installFolder}/tree"})
	assert.FileExists(t, filepath.Join(h.tp.Root(), "tree", "tool"))

	h.undo(t, treeCtx)
	h.undo(t, fileCtx)
	assert.NoDirExists(t, filepath.Join(h.tp.Root(), "tree"))
	assert.NoFileExists(t, filepath.Join(h.tp.Root(), "dst", "README"))
}

func TestCopy_RefusesToReplaceWithoutOverwrite(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a", "new")
	h.file(t, "b", "old")

	action, err := h.tp.ActionFor(ActionCopy)
	require.NoError(t, err)
	err = action.Execute(context.Background(), h.actx(ActionCopy, map[string]string{"source": "a", "target": "b"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCopy_OverwriteIsReversible(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a", "new")
	target := h.file(t, "b", "old")

	actx := h.run(t, ActionCopy, map[string]string{"source": "a", "target": "b", "overwrite": "true"})
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	h.undo(t, actx)
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestRemove_UndoRestoresAndDiscardDropsBackups(t *testing.T) {
	h := newHarness(t)
	path := h.file(t, "etc/app.conf", "x=1")

	actx := h.run(t, ActionRemove, map[string]string{"path": "etc/app.conf"})
	assert.NoFileExists(t, path)
	assert.FileExists(t, actx.Memento["backup"])

	h.undo(t, actx)
	assert.FileExists(t, path)

	h.run(t, ActionRemove, map[string]string{"path": "etc/app.conf"})
	require.NoError(t, h.tp.DiscardBackups(h.session.ID()))
	assert.NoDirExists(t, filepath.Join(h.tp.Root(), ".director", "backup", h.session.ID()))
}

func TestRemove_MissingPathIsNoop(t *testing.T) {
	h := newHarness(t)
	actx := h.run(t, ActionRemove, map[string]string{"path": "nothing"})
	assert.Empty(t, actx.Memento)
	h.undo(t, actx)
}

func TestChmod_UndoRestoresMode(t *testing.T) {
	h := newHarness(t)
	path := h.file(t, "run.sh", "echo")
	require.NoError(t, os.Chmod(path, 0o644))

	actx := h.run(t, ActionChmod, map[string]string{"path": "run.sh", "permissions": "755"})
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	h.undo(t, actx)
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestChmod_RejectsBadPermissions(t *testing.T) {
	h := newHarness(t)
	h.file(t, "f", "")
	action, err := h.tp.ActionFor(ActionChmod)
	require.NoError(t, err)
	for _, perms := range []string{"rwx", "99999", ""} {
		err := action.Execute(context.Background(), h.actx(ActionChmod, map[string]string{"path": "f", "permissions": perms}))
		assert.Error(t, err, perms)
	}
}

func TestLink_ForceReplacesAndUndoRestores(t *testing.T) {
	h := newHarness(t)
	h.file(t, "app-1.2.0/bin", "binary")
	current := h.file(t, "current", "placeholder")

	action, err := h.tp.ActionFor(ActionLink)
	require.NoError(t, err)
	err = action.Execute(context.Background(), h.actx(ActionLink, map[string]string{"linkName": "current", "target": "app-${unit.version}"}))
	require.Error(t, err)

	actx := h.run(t, ActionLink, map[string]string{"linkName": "current", "target": "app-${unit.version}", "force": "true"})
	dest, err := os.Readlink(current)
	require.NoError(t, err)
	assert.Equal(t, "app-1.2.0", dest)

	h.undo(t, actx)
	data, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, "placeholder", string(data))
}

func TestActionFor_UnknownAction(t *testing.T) {
	h := newHarness(t)
	_, err := h.tp.ActionFor("format")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeActionNotFound, engine.CodeOf(err))
}

func TestMissingParameter(t *testing.T) {
	h := newHarness(t)
	action, err := h.tp.ActionFor(ActionMkdir)
	require.NoError(t, err)
	err = action.Execute(context.Background(), h.actx(ActionMkdir, map[string]string{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"path"`)
}
