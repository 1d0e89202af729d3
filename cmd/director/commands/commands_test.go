package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/stores"
)

const testRepository = `
name: test
units:
  - id: org.example.app
    version: 1.0.0
    singleton: true
    touchpoint: native
    requires:
      - id: org.example.lib
        range: "[1.0.0,2.0.0)"
    instructions:
      install:
        - action: mkdir
          params:
            path: app
      uninstall:
        - action: rmdir
          params:
            path: app
  - id: org.example.app
    version: 2.0.0
    singleton: true
    touchpoint: native
    requires:
      - id: org.example.lib
        range: "[1.0.0,2.0.0)"
    instructions:
      install:
        - action: mkdir
          params:
            path: app
      uninstall:
        - action: rmdir
          params:
            path: app
  - id: org.example.lib
    version: 1.0.0
  - id: org.example.broken
    version: 1.0.0
    touchpoint: native
    instructions:
      install:
        - action: mkdir
          params:
            path: broken
        - action: chmod
          params:
            path: missing
            permissions: "0755"
`

const extraRepository = `
units:
  - id: org.example.extra
    version: 3.1.0
`

type testEnv struct {
	t      *testing.T
	dir    string
	config string
}

func newTestEnv(t *testing.T, extraConfig string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repo.yaml"), []byte(testRepository), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extraRepository), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "install"), 0o755))

	cfg := fmt.Sprintf(`
dataDir: %q
installDir: %q
profile: "test"
repositories: [{location: %q, nickname: "test"}]
logging: level: "error"
%s
`, filepath.Join(dir, "data"), filepath.Join(dir, "install"), filepath.Join(dir, "repo.yaml"), extraConfig)
	path := filepath.Join(dir, "director.cue")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &testEnv{t: t, dir: dir, config: path}
}

func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func (e *testEnv) profile() *profile.Profile {
	e.t.Helper()
	ctx := context.Background()
	store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: filepath.Join(e.dir, "data", "director.db")})
	require.NoError(e.t, err)
	defer store.Close()
	p, err := store.GetProfile(ctx, "test")
	require.NoError(e.t, err)
	return p
}

func TestInstallListUninstall(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("install", "org.example.app")
	assert.Contains(t, out, "Installing org.example.app 2.0.0")
	assert.Contains(t, out, "Installing org.example.lib 1.0.0")
	assert.Contains(t, out, "Operation completed in")
	assert.DirExists(t, filepath.Join(env.dir, "install", "app"))

	out = env.mustRun("list", "--installed")
	assert.Equal(t, "org.example.app=2.0.0 (root)\norg.example.lib=1.0.0\n", out)

	out = env.mustRun("uninstall", "org.example.app")
	assert.Contains(t, out, "Uninstalling org.example.app 2.0.0")
	assert.Contains(t, out, "Uninstalling org.example.lib 1.0.0")
	assert.NoDirExists(t, filepath.Join(env.dir, "install", "app"))

	out = env.mustRun("list", "--installed")
	assert.Empty(t, out)
}

func TestListRepositories(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("list")
	assert.Equal(t, strings.Join([]string{
		"org.example.app=1.0.0",
		"org.example.app=2.0.0",
		"org.example.broken=1.0.0",
		"org.example.lib=1.0.0",
		"",
	}, "\n"), out)

	out = env.mustRun("list", "org.example.app/1.0.0,org.example.lib")
	assert.Equal(t, "org.example.app=1.0.0\norg.example.lib=1.0.0\n", out)

	out = env.mustRun("list", "-r", filepath.Join(env.dir, "extra.yaml"), "org.example.extra")
	assert.Equal(t, "org.example.extra=3.1.0\n", out)
}

func TestInstallVersionThenUpdate(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("install", "org.example.app/1.0.0")
	assert.Equal(t, "org.example.app=1.0.0 (root)\norg.example.lib=1.0.0\n", env.mustRun("list", "--installed"))

	out := env.mustRun("install", "org.example.app")
	assert.Contains(t, out, "Updating org.example.app 1.0.0 to 2.0.0")
	assert.Equal(t, "org.example.app=2.0.0 (root)\norg.example.lib=1.0.0\n", env.mustRun("list", "--installed"))
}

func TestInstallMissingUnit(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run("install", "org.example.app,org.example.nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "Missing IU org.example.nope")
	assert.NotContains(t, out, "Installing")

	_, err = env.run("uninstall", "org.example.app")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestInstallFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run("install", "org.example.broken")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "Execution failed")
	assert.Contains(t, out, "Rolled back 1 actions")
	assert.NoDirExists(t, filepath.Join(env.dir, "install", "broken"))
	assert.Equal(t, 0, env.profile().Len())

	out = env.mustRun("history")
	assert.Contains(t, out, string(stores.OutcomeRolledBack))
}

func TestVerifyOnly(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("install", "org.example.app", "--verify-only")
	assert.Contains(t, out, "Installing org.example.app 2.0.0")
	assert.Contains(t, out, "Plan verified: 2 to install, 0 to uninstall, 0 to update.")
	assert.NotContains(t, out, "Operation completed")
	assert.NoDirExists(t, filepath.Join(env.dir, "install", "app"))
	assert.Empty(t, env.mustRun("list", "--installed"))
}

func TestProfileCreationProperties(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("install", "org.example.lib", "--verify-only",
		"--os", "linux", "--arch", "x86_64", "--env", "site=lab",
		"--profile-properties", "owner=ops,tier=web")

	p := env.profile()
	require.NotNil(t, p)
	assert.Equal(t, "ops", p.Property("owner"))
	assert.Equal(t, "web", p.Property("tier"))
	assert.Equal(t, map[string]string{"osgi.os": "linux", "osgi.arch": "x86_64", "site": "lab"}, p.Environment())
}

func TestRevert(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("install", "org.example.lib", "--verify-only")
	assert.Equal(t, "Nothing to revert.\n", env.mustRun("revert"))

	env.mustRun("install", "org.example.app/1.0.0")
	env.mustRun("install", "org.example.app")

	out := env.mustRun("revert")
	assert.Contains(t, out, "Updating org.example.app 2.0.0 to 1.0.0")
	assert.Contains(t, out, "Unit org.example.app is downgraded from 2.0.0 to 1.0.0")
	assert.Equal(t, "org.example.app=1.0.0 (root)\norg.example.lib=1.0.0\n", env.mustRun("list", "--installed"))

	out, err := env.run("revert", "12345")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "Missing profile test@12345")

	_, err = env.run("revert", "yesterday")
	require.Error(t, err)
}

func TestRevertToFirstSnapshot(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("install", "org.example.app")
	installed := env.profile().Timestamp()

	env.mustRun("uninstall", "org.example.app")
	env.mustRun("install", "org.example.app/1.0.0")

	env.mustRun("revert", fmt.Sprint(installed))
	assert.Equal(t, "org.example.app=2.0.0 (root)\norg.example.lib=1.0.0\n", env.mustRun("list", "--installed"))
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run("history")
	require.Error(t, err, "history of a missing profile")

	env.mustRun("install", "org.example.app")
	out := env.mustRun("history")
	assert.Contains(t, out, "Profile test")
	assert.Contains(t, out, "(current)")
	assert.Contains(t, out, string(stores.OutcomeSucceeded))
	assert.Contains(t, out, "1 actions")
}

func TestPolicyDenial(t *testing.T) {
	dir := t.TempDir()
	rego := `package director.freeze

import rego.v1

# Installs of org.example.app are frozen.
deny contains msg if {
	some op in input.plan.operands
	op.kind == "install"
	op.after.id == "org.example.app"
	msg := "installs are frozen"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(rego), 0o644))
	env := newTestEnv(t, fmt.Sprintf("policies: [%q]", dir))

	out, err := env.run("install", "org.example.app")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "Plan rejected")
	assert.Contains(t, out, "installs are frozen")
	assert.Empty(t, env.mustRun("list", "--installed"))
	assert.Contains(t, env.mustRun("history"), string(stores.OutcomeRejected))

	env.mustRun("install", "org.example.lib")
}

func TestRepositoryCommands(t *testing.T) {
	env := newTestEnv(t, "")
	extra := filepath.Join(env.dir, "extra.yaml")

	out := env.mustRun("repository", "add", extra, "--nickname", "extra")
	assert.Contains(t, out, "refs=1")

	out = env.mustRun("repository", "list")
	assert.Equal(t, extra+" metadata enabled refs=1 (extra)\n", out)

	out = env.mustRun("list", "org.example.extra")
	assert.Equal(t, "org.example.extra=3.1.0\n", out)

	out = env.mustRun("repository", "remove", extra)
	assert.Contains(t, out, "Removed metadata repository")
	assert.Empty(t, env.mustRun("repository", "list"))

	_, err := env.run("repository", "remove", extra)
	assert.Error(t, err)

	_, err = env.run("repository", "add", filepath.Join(env.dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = env.run("repository", "add", extra, "--type", "binary")
	assert.Error(t, err)
}

func TestWatchNeedsSomethingToWatch(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run("watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to watch")
}

const dropinRepository = `
units:
  - id: org.example.app
    version: 3.0.0
    singleton: true
    requires:
      - id: org.example.lib
        range: "[1.0.0,2.0.0)"
`

func TestWatchOnceUpdatesRootsFromDropins(t *testing.T) {
	env := newTestEnv(t, "")
	env.mustRun("install", "org.example.app")

	dropins := filepath.Join(env.dir, "dropins")
	require.NoError(t, os.MkdirAll(dropins, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dropins, "app.yaml"), []byte(dropinRepository), 0o644))
	f, err := os.OpenFile(env.config, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "dropins: %q\n", dropins)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out := env.mustRun("watch", "--once")
	assert.Contains(t, out, "Candidate pool reloaded")
	assert.Contains(t, out, "Updating org.example.app 2.0.0 to 3.0.0")
	assert.Contains(t, out, "Plan verified: 0 to install, 0 to uninstall, 1 to update.")
	assert.True(t, env.profile().Contains(unit("org.example.app", "2.0.0")))

	out = env.mustRun("watch", "--once", "--apply")
	assert.Contains(t, out, "Operation completed in")
	assert.Equal(t, "org.example.app=3.0.0 (root)\norg.example.lib=1.0.0\n", env.mustRun("list", "--installed"))

	out = env.mustRun("watch", "--once", "--apply")
	assert.NotContains(t, out, "Updating")
}

func TestInvalidConfig(t *testing.T) {
	env := newTestEnv(t, `planner: keepOptionals: true`)

	_, err := env.run("list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	_, err = env.run("list", "--config", filepath.Join(env.dir, "nope.cue"))
	require.Error(t, err)
}
