package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Type distinguishes metadata repositories from artifact repositories.
type Type int

const (
	TypeMetadata Type = 0
	TypeArtifact Type = 1
)

// ParseType parses the numeric repository type used in action parameters.
func ParseType(s string) (Type, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid repository type %q: %w", s, err)
	}
	t := Type(n)
	if t != TypeMetadata && t != TypeArtifact {
		return 0, fmt.Errorf("invalid repository type %d", n)
	}
	return t, nil
}

func (t Type) String() string {
	if t == TypeArtifact {
		return "artifact"
	}
	return "metadata"
}

// Entry is one repository registered with a profile. Count is the number of
// installed units that asked for it.
type Entry struct {
	Location string `yaml:"location"`
	Type     Type   `yaml:"type"`
	Nickname string `yaml:"nickname,omitempty"`
	Enabled  bool   `yaml:"enabled"`
	Count    int    `yaml:"count"`
}

type entryKey struct {
	location string
	typ      Type
}

func normalizeLocation(location string) string {
	return strings.TrimRight(strings.TrimSpace(location), "/")
}

type listFile struct {
	Repositories []Entry `yaml:"repositories"`
}

// List is the reference-counted repository list of one profile, persisted as
// YAML. Every mutation is written through before it returns.
type List struct {
	mu      sync.Mutex
	path    string
	entries map[entryKey]*Entry
}

// OpenList loads the list stored at path. A missing file is an empty list.
func OpenList(path string) (*List, error) {
	l := &List{path: path, entries: make(map[entryKey]*Entry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository list: %w", err)
	}
	var f listFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse repository list %s: %w", path, err)
	}
	for i := range f.Repositories {
		e := f.Repositories[i]
		e.Location = normalizeLocation(e.Location)
		l.entries[entryKey{e.Location, e.Type}] = &e
	}
	return l, nil
}

// Add registers a reference to e.Location and returns the new count. An
// entry listed without a count counts as one reference.
func (l *List) Add(e Entry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Location = normalizeLocation(e.Location)
	if e.Location == "" {
		return 0, fmt.Errorf("repository location is required")
	}
	key := entryKey{e.Location, e.Type}
	cur, ok := l.entries[key]
	count := 0
	if ok {
		count = cur.Count
		if count == 0 {
			count = 1
		}
	}
	next := e
	next.Count = count + 1
	if next.Nickname == "" && ok {
		next.Nickname = cur.Nickname
	}
	l.entries[key] = &next
	if err := l.saveLocked(); err != nil {
		if ok {
			l.entries[key] = cur
		} else {
			delete(l.entries, key)
		}
		return 0, err
	}
	return next.Count, nil
}

// Remove drops one reference to location and returns the entry as it was
// before the call. The entry disappears when its count reaches zero.
func (l *List) Remove(location string, t Type) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{normalizeLocation(location), t}
	cur, ok := l.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	prev := *cur
	if cur.Count <= 1 {
		delete(l.entries, key)
	} else {
		next := prev
		next.Count--
		l.entries[key] = &next
	}
	if err := l.saveLocked(); err != nil {
		l.entries[key] = &prev
		return Entry{}, false, err
	}
	return prev, true, nil
}

// Restore puts e back exactly as given.
func (l *List) Restore(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Location = normalizeLocation(e.Location)
	key := entryKey{e.Location, e.Type}
	prev, had := l.entries[key]
	if e.Count <= 0 {
		delete(l.entries, key)
	} else {
		l.entries[key] = &e
	}
	if err := l.saveLocked(); err != nil {
		if had {
			l.entries[key] = prev
		} else {
			delete(l.entries, key)
		}
		return err
	}
	return nil
}

// Get returns the entry for location.
func (l *List) Get(location string, t Type) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[entryKey{normalizeLocation(location), t}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns every entry sorted by type then location.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// Enabled returns the locations of enabled entries of type t.
func (l *List) Enabled(t Type) []string {
	var out []string
	for _, e := range l.Entries() {
		if e.Type == t && e.Enabled {
			out = append(out, e.Location)
		}
	}
	return out
}

func (l *List) sortedLocked() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Location < out[j].Location
	})
	return out
}

func (l *List) saveLocked() error {
	data, err := yaml.Marshal(listFile{Repositories: l.sortedLocked()})
	if err != nil {
		return fmt.Errorf("failed to marshal repository list: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create repository list directory: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write repository list: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace repository list: %w", err)
	}
	return nil
}

// Lists hands out the repository list of each profile, stored under
// <dir>/<profile>/repositories.yaml.
type Lists struct {
	mu    sync.Mutex
	dir   string
	lists map[string]*List
}

// NewLists returns a Lists rooted at dir.
func NewLists(dir string) *Lists {
	return &Lists{dir: dir, lists: make(map[string]*List)}
}

// For returns the list of profileID, loading it on first use.
func (m *Lists) For(profileID string) (*List, error) {
	if profileID == "" || strings.ContainsAny(profileID, `/\`) || profileID == "." || profileID == ".." {
		return nil, fmt.Errorf("invalid profile id %q", profileID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lists[profileID]; ok {
		return l, nil
	}
	l, err := OpenList(filepath.Join(m.dir, profileID, "repositories.yaml"))
	if err != nil {
		return nil, err
	}
	m.lists[profileID] = l
	return l, nil
}
