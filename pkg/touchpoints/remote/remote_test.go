package remote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/repository"
	"github.com/openfroyo/director/pkg/stores"
	"github.com/openfroyo/director/pkg/transports/ssh"
)

// chrootHost maps remote paths into a local directory and records commands.
// Commands listed in replies answer with the given stdout; a reply starting
// with "!" fails with that output.
type chrootHost struct {
	root    string
	replies map[string]string

	mu       sync.Mutex
	commands []string
}

func (h *chrootHost) local(p string) string { return filepath.Join(h.root, filepath.FromSlash(p)) }

func (h *chrootHost) Run(_ context.Context, cmd string) (*ssh.ExecResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	if reply, ok := h.replies[cmd]; ok {
		if out, failed := strings.CutPrefix(reply, "!"); failed {
			return &ssh.ExecResult{Stdout: out, ExitCode: 1}, errors.New("command exited with code 1")
		}
		return &ssh.ExecResult{Stdout: reply}, nil
	}
	if strings.HasPrefix(cmd, "false") {
		return &ssh.ExecResult{ExitCode: 1}, errors.New("command exited with code 1")
	}
	return &ssh.ExecResult{}, nil
}

func (h *chrootHost) Upload(_ context.Context, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(h.local(remotePath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (h *chrootHost) Stat(_ context.Context, p string) (os.FileInfo, error) {
	return os.Lstat(h.local(p))
}

func (h *chrootHost) Rename(_ context.Context, oldPath, newPath string) error {
	return os.Rename(h.local(oldPath), h.local(newPath))
}

func (h *chrootHost) Remove(_ context.Context, p string) error { return os.Remove(h.local(p)) }

func (h *chrootHost) RemoveAll(_ context.Context, p string) error { return os.RemoveAll(h.local(p)) }

func (h *chrootHost) MkdirAll(_ context.Context, p string) error {
	return os.MkdirAll(h.local(p), 0o755)
}

func (h *chrootHost) Chmod(_ context.Context, p string, mode os.FileMode) error {
	return os.Chmod(h.local(p), mode)
}

type harness struct {
	host    *chrootHost
	tp      *Touchpoint
	session *engine.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	host := &chrootHost{root: t.TempDir()}
	return &harness{
		host:    host,
		tp:      New(host, WithBackupDir("/var/backup")),
		session: engine.NewSession(profile.Empty("p", nil), nil),
	}
}

func (h *harness) actx(id string, params map[string]string) *engine.ActionContext {
	return &engine.ActionContext{
		Phase:    engine.PhaseInstall,
		ActionID: id,
		Unit:     &metadata.InstallableUnit{ID: "agent", Version: metadata.MustParseVersion("3.1.0")},
		Params:   params,
		Session:  h.session,
		Memento:  map[string]string{},
	}
}

func (h *harness) execute(id string, params map[string]string) (*engine.ActionContext, error) {
	action, err := h.tp.ActionFor(id)
	if err != nil {
		return nil, err
	}
	actx := h.actx(id, params)
	return actx, action.Execute(context.Background(), actx)
}

func (h *harness) undo(t *testing.T, actx *engine.ActionContext) {
	t.Helper()
	action, err := h.tp.ActionFor(actx.ActionID)
	require.NoError(t, err)
	require.NoError(t, action.Undo(context.Background(), actx))
}

func (h *harness) write(t *testing.T, remote, content string) {
	t.Helper()
	p := h.host.local(remote)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestUpload_ReplaceAndUndo(t *testing.T) {
	h := newHarness(t)
	source := filepath.Join(t.TempDir(), "agent.conf")
	require.NoError(t, os.WriteFile(source, []byte("new"), 0o644))
	h.write(t, "/etc/agent.conf", "old")

	_, err := h.execute(ActionUpload, map[string]string{"source": source, "target": "/etc/agent.conf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	actx, err := h.execute(ActionUpload, map[string]string{"source": source, "target": "/etc/agent.conf", "mode": "600", "overwrite": "true"})
	require.NoError(t, err)
	data, err := os.ReadFile(h.host.local("/etc/agent.conf"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.True(t, strings.HasPrefix(actx.Memento["backup"], "/var/backup/"+h.session.ID()+"/"))

	h.undo(t, actx)
	data, err = os.ReadFile(h.host.local("/etc/agent.conf"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestUpload_FailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.write(t, "/etc/agent.conf", "old")

	_, err := h.execute(ActionUpload, map[string]string{"source": "/does/not/exist", "target": "/etc/agent.conf", "overwrite": "true"})
	require.Error(t, err)

	data, err := os.ReadFile(h.host.local("/etc/agent.conf"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestMkdir_UndoRemovesCreatedChain(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(h.host.local("/opt"), 0o755))

	actx, err := h.execute(ActionMkdir, map[string]string{"path": "/opt/${unit.id}/${unit.version}"})
	require.NoError(t, err)
	assert.DirExists(t, h.host.local("/opt/agent/3.1.0"))
	assert.Equal(t, "/opt/agent", actx.Memento["created"])

	h.undo(t, actx)
	assert.NoDirExists(t, h.host.local("/opt/agent"))
	assert.DirExists(t, h.host.local("/opt"))
}

func TestMkdir_RelativePathRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(ActionMkdir, map[string]string{"path": "opt/agent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestRemove_UndoAndDiscard(t *testing.T) {
	h := newHarness(t)
	h.write(t, "/etc/old.conf", "x")

	actx, err := h.execute(ActionRemove, map[string]string{"path": "/etc/old.conf"})
	require.NoError(t, err)
	assert.NoFileExists(t, h.host.local("/etc/old.conf"))

	h.undo(t, actx)
	assert.FileExists(t, h.host.local("/etc/old.conf"))

	_, err = h.execute(ActionRemove, map[string]string{"path": "/etc/old.conf"})
	require.NoError(t, err)
	require.NoError(t, h.tp.DiscardBackups(context.Background(), h.session.ID()))
	assert.NoDirExists(t, h.host.local("/var/backup/"+h.session.ID()))
}

func TestChmod_Undo(t *testing.T) {
	h := newHarness(t)
	h.write(t, "/usr/bin/agent", "bin")

	actx, err := h.execute(ActionChmod, map[string]string{"path": "/usr/bin/agent", "permissions": "0755"})
	require.NoError(t, err)
	info, err := os.Stat(h.host.local("/usr/bin/agent"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	h.undo(t, actx)
	info, err = os.Stat(h.host.local("/usr/bin/agent"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestExec_RunsUndoCommand(t *testing.T) {
	h := newHarness(t)

	actx, err := h.execute(ActionExec, map[string]string{
		"command": "systemctl enable ${unit.id}",
		"undo":    "systemctl disable ${unit.id}",
	})
	require.NoError(t, err)
	h.undo(t, actx)
	assert.Equal(t, []string{"systemctl enable agent", "systemctl disable agent"}, h.host.commands)

	_, err = h.execute(ActionExec, map[string]string{"command": "false"})
	require.Error(t, err)

	_, err = h.execute(ActionExec, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"command"`)
}

func TestEngine_RemoteRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.write(t, "/etc/agent.conf", "old")
	source := filepath.Join(t.TempDir(), "agent.conf")
	require.NoError(t, os.WriteFile(source, []byte("new"), 0o644))

	tps := engine.NewTouchpointRegistry()
	require.NoError(t, tps.Register(h.tp))

	unit := &metadata.InstallableUnit{
		ID:         "agent",
		Version:    metadata.MustParseVersion("3.1.0"),
		Touchpoint: TypeName,
		Instructions: map[string][]metadata.Instruction{
			"install": {
				{Action: ActionUpload, Params: map[string]string{"source": source, "target": "/etc/agent.conf", "overwrite": "true"}},
			},
			"configure": {
				{Action: ActionExec, Params: map[string]string{"command": "false"}},
			},
		},
	}
	store := stores.NewMemoryStore(nil)
	current, err := store.AddProfile(ctx, "p", nil)
	require.NoError(t, err)
	plan := engine.NewPlanner(repository.PoolOf(unit), engine.PlannerOptions{}).
		Plan(ctx, profile.NewChangeRequest("p").AddRoot(unit), current, nil)
	require.True(t, plan.Status.IsOK(), plan.Status.String())

	result := engine.NewEngine(store, tps).Execute(ctx, plan)
	require.False(t, result.Status.IsOK())
	assert.False(t, result.Status.RequiresManualIntervention())

	data, err := os.ReadFile(h.host.local("/etc/agent.conf"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}
