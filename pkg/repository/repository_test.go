package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/director/pkg/metadata"
)

const sampleDoc = `
name: sample
units:
  - id: org.example.app
    version: 2.0.0
    singleton: true
    touchpoint: native
    properties:
      director.name: Example application
    provides:
      - namespace: java.package
        name: org.example.api
        version: 1.0.0
    requires:
      - id: org.example.core
        range: "[1.0.0,2.0.0)"
      - namespace: java.package
        name: org.slf4j
        range: 1.7.0
        optional: true
        greedy: false
        filter: "(osgi.os=linux)"
    instructions:
      install:
        - action: mkdir
          params:
            path: /opt/example
  - id: org.example.core
    version: 1.5.0
  - id: org.example.core
    version: 1.0.0
  - id: org.example.app
    version: 1.0.0
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecode(t *testing.T) {
	repo, err := Decode("sample.yaml", []byte(sampleDoc))
	require.NoError(t, err)
	assert.Equal(t, "sample", repo.Name)
	require.Len(t, repo.Units, 4)

	// sorted by id then version
	assert.Equal(t, "org.example.app 1.0.0", repo.Units[0].String())
	assert.Equal(t, "org.example.core 1.5.0", repo.Units[3].String())

	app := repo.Units[1]
	assert.True(t, app.Singleton)
	assert.Equal(t, "native", app.Touchpoint)
	assert.Equal(t, "Example application", app.Property(metadata.PropertyName))
	require.Len(t, app.Provides, 1)
	require.Len(t, app.Requires, 2)

	core := app.Requires[0]
	assert.Equal(t, metadata.NamespaceIU, core.Namespace)
	assert.Equal(t, "org.example.core", core.Name)
	assert.True(t, core.Greedy, "greedy defaults to true")
	assert.False(t, core.Optional)

	slf4j := app.Requires[1]
	assert.Equal(t, "java.package", slf4j.Namespace)
	assert.False(t, slf4j.Greedy)
	assert.True(t, slf4j.Optional)
	assert.True(t, slf4j.IsApplicable(map[string]string{"osgi.os": "linux"}))
	assert.False(t, slf4j.IsApplicable(map[string]string{"osgi.os": "win32"}))

	ins := app.InstructionsFor("install")
	require.Len(t, ins, 1)
	assert.Equal(t, "mkdir", ins[0].Action)
	assert.Equal(t, "/opt/example", ins[0].Params["path"])
}

func TestDecodeRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"no units", `name: x`},
		{"unit without version", "units:\n  - id: a\n"},
		{"numeric version", "units:\n  - id: a\n    version: 1\n"},
		{"unknown field", "units:\n  - id: a\n    version: 1.0.0\n    color: red\n"},
		{"unknown phase", "units:\n  - id: a\n    version: 1.0.0\n    instructions:\n      deploy:\n        - action: x\n"},
		{"requirement with id and name", "units:\n  - id: a\n    version: 1.0.0\n    requires:\n      - id: b\n        name: c\n"},
		{"requirement without target", "units:\n  - id: a\n    version: 1.0.0\n    requires:\n      - range: 1.0.0\n"},
		{"bad version", "units:\n  - id: a\n    version: one.two\n"},
		{"bad range", "units:\n  - id: a\n    version: 1.0.0\n    requires:\n      - id: b\n        range: \"[1.0.0\"\n"},
		{"bad filter", "units:\n  - id: a\n    version: 1.0.0\n    requires:\n      - id: b\n        filter: \"(os=linux\"\n"},
		{"duplicate unit", "units:\n  - id: a\n    version: 1.0.0\n  - id: a\n    version: 1.0.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("bad.yaml", []byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	repo, err := Decode("sample.yaml", []byte(sampleDoc))
	require.NoError(t, err)

	data, err := Encode(repo)
	require.NoError(t, err)

	again, err := Decode("again.yaml", data)
	require.NoError(t, err)
	require.Len(t, again.Units, len(repo.Units))
	for i := range repo.Units {
		assert.Equal(t, repo.Units[i].String(), again.Units[i].String())
		assert.Equal(t, len(repo.Units[i].Requires), len(again.Units[i].Requires))
	}
	app := again.Units[1]
	assert.False(t, app.Requires[1].Greedy)
	assert.Equal(t, "(osgi.os=linux)", app.Requires[1].Filter.String())
}

func TestPool(t *testing.T) {
	repo, err := Decode("sample.yaml", []byte(sampleDoc))
	require.NoError(t, err)
	pool := NewPool(repo)
	ctx := context.Background()

	assert.Equal(t, 4, pool.Len())
	assert.Equal(t, "org.example.app 2.0.0", pool.Latest("org.example.app").String())
	assert.Nil(t, pool.Latest("missing"))

	providers, err := pool.FindProviders(ctx, metadata.RequireUnit("org.example.core", metadata.MustParseVersionRange("[1.0.0,1.5.0)")), nil)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "org.example.core 1.0.0", providers[0].String())

	byPackage, err := pool.FindProviders(ctx, metadata.NewRequirement("java.package", "org.example.api", metadata.EmptyRange), nil)
	require.NoError(t, err)
	require.Len(t, byPackage, 1)
	assert.Equal(t, "org.example.app 2.0.0", byPackage[0].String())

	all := pool.Query("org.example.core", metadata.EmptyRange)
	assert.Len(t, all, 2)
	assert.Len(t, pool.Query("", metadata.MustParseVersionRange("2.0.0")), 1)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.FindProviders(cancelled, metadata.RequireUnit("org.example.core", metadata.EmptyRange), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolFirstRepositoryWins(t *testing.T) {
	first := &Repository{Location: "first", Units: []*metadata.InstallableUnit{
		{ID: "a", Version: metadata.MustParseVersion("1.0.0"), Touchpoint: "native"},
	}}
	second := &Repository{Location: "second", Units: []*metadata.InstallableUnit{
		{ID: "a", Version: metadata.MustParseVersion("1.0.0"), Touchpoint: "script"},
		{ID: "b", Version: metadata.MustParseVersion("1.0.0")},
	}}
	pool := NewPool(first, second)

	key := metadata.UnitKey{ID: "a", Version: "1.0.0"}
	assert.Equal(t, "native", pool.Get(key).Touchpoint)
	assert.Equal(t, "first", pool.Source(key))
	assert.Equal(t, 2, pool.Len())
}

func TestLivePoolSwap(t *testing.T) {
	live := NewLivePool(nil)
	req := metadata.RequireUnit("a", metadata.EmptyRange)

	got, err := live.FindProviders(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	live.Swap(PoolOf(&metadata.InstallableUnit{ID: "a", Version: metadata.MustParseVersion("1.0.0")}))
	got, err = live.FindProviders(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLoader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "units:\n  - id: a\n    version: 1.0.0\n")
	writeFile(t, dir, "b.yml", "units:\n  - id: b\n    version: 1.0.0\n")
	writeFile(t, dir, "broken.yaml", "units:\n  - id: c\n")
	writeFile(t, dir, "notes.txt", "ignored")

	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()

	repos, err := loader.LoadDir(ctx, dir)
	assert.Error(t, err, "broken document is reported")
	require.Len(t, repos, 2)

	repos, err = loader.Load(ctx, "file://"+filepath.ToSlash(filepath.Join(dir, "a.yaml")))
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "a", repos[0].Units[0].ID)

	pool, err := loader.LoadPool(ctx, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())

	_, err = loader.LoadPool(ctx, []string{dir})
	assert.Error(t, err)

	_, err = loader.Load(ctx, "http://example.com/repo")
	assert.Error(t, err)
}

func TestLocalPath(t *testing.T) {
	p, err := LocalPath("/srv/repo.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/srv/repo.yaml", p)

	p, err = LocalPath("file:///srv/repo.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/srv/repo.yaml"), p)

	_, err = LocalPath("ftp://host/repo")
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("0")
	require.NoError(t, err)
	assert.Equal(t, TypeMetadata, typ)

	typ, err = ParseType(" 1 ")
	require.NoError(t, err)
	assert.Equal(t, TypeArtifact, typ)

	for _, bad := range []string{"", "two", "2", "-1"} {
		_, err := ParseType(bad)
		assert.Error(t, err, bad)
	}
}

func TestListReferenceCounting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p", "repositories.yaml")
	list, err := OpenList(path)
	require.NoError(t, err)
	assert.Empty(t, list.Entries())

	n, err := list.Add(Entry{Location: "file:///srv/repo/", Type: TypeMetadata, Nickname: "main", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = list.Add(Entry{Location: "file:///srv/repo", Type: TypeMetadata, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "trailing slash is ignored")

	e, ok := list.Get("file:///srv/repo", TypeMetadata)
	require.True(t, ok)
	assert.Equal(t, "main", e.Nickname, "nickname is kept")
	_, ok = list.Get("file:///srv/repo", TypeArtifact)
	assert.False(t, ok, "types are separate")

	reopened, err := OpenList(path)
	require.NoError(t, err)
	e, ok = reopened.Get("file:///srv/repo", TypeMetadata)
	require.True(t, ok)
	assert.Equal(t, 2, e.Count)

	prev, ok, err := list.Remove("file:///srv/repo", TypeMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, prev.Count)
	prev, ok, err = list.Remove("file:///srv/repo", TypeMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, prev.Count)
	assert.Empty(t, list.Entries())

	_, ok, err = list.Remove("file:///srv/repo", TypeMetadata)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, list.Restore(prev))
	assert.Equal(t, []string{"file:///srv/repo"}, list.Enabled(TypeMetadata))
	assert.Empty(t, list.Enabled(TypeArtifact))
}

func TestListUserAddedEntryCountsAsOne(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "repositories.yaml", "repositories:\n  - location: file:///srv/user\n    type: 0\n    enabled: true\n")

	list, err := OpenList(path)
	require.NoError(t, err)
	n, err := list.Add(Entry{Location: "file:///srv/user", Type: TypeMetadata, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLists(t *testing.T) {
	lists := NewLists(t.TempDir())
	a, err := lists.For("SDKProfile")
	require.NoError(t, err)
	again, err := lists.For("SDKProfile")
	require.NoError(t, err)
	assert.Same(t, a, again)

	for _, bad := range []string{"", "..", "a/b"} {
		_, err := lists.For(bad)
		assert.Error(t, err, bad)
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "units:\n  - id: a\n    version: 1.0.0\n")
	static := &Repository{Location: "static", Units: []*metadata.InstallableUnit{
		{ID: "s", Version: metadata.MustParseVersion("1.0.0")},
	}}
	live := NewLivePool(nil)
	w := NewWatcher(dir, NewLoader(zerolog.Nop()), live, zerolog.Nop(), WithStaticRepositories(static))

	require.NoError(t, w.Reload(context.Background()))
	assert.Equal(t, 2, live.Current().Len())

	writeFile(t, dir, "broken.yaml", "units: 3\n")
	assert.Error(t, w.Reload(context.Background()))
	assert.Equal(t, 2, live.Current().Len(), "valid documents are still served")
}

func TestWatcherRunPicksUpNewDocuments(t *testing.T) {
	dir := t.TempDir()
	live := NewLivePool(nil)
	pools := make(chan *Pool, 16)
	w := NewWatcher(dir, NewLoader(zerolog.Nop()), live, zerolog.Nop(),
		WithDebounce(20*time.Millisecond),
		WithReloadHook(func(p *Pool) { pools <- p }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case p := <-pools:
		assert.Equal(t, 0, p.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("initial load did not happen")
	}

	writeFile(t, dir, "new.yaml", "units:\n  - id: fresh\n    version: 1.0.0\n")
	require.Eventually(t, func() bool {
		return live.Current().Latest("fresh") != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
