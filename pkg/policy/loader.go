package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policy files. A .rego file is one policy named after the
// file; header comments of the form "# severity: warning", "# tags: a, b"
// and "# disabled" set its attributes and the remaining header comments
// become its description. A .yaml, .yml or .json file holds a policy
// definition with its Rego source inline.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// cacheEntry is valid while the file keeps its size and modification time.
type cacheEntry struct {
	modTime time.Time
	size    int64
	policy  *Policy
}

// definition is the on-disk form of a policy definition file.
type definition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Rego        string   `yaml:"rego"`
	Severity    Severity `yaml:"severity"`
	Enabled     *bool    `yaml:"enabled"`
	Tags        []string `yaml:"tags"`
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Load returns the policies found at paths. A path is a policy file or a
// directory searched recursively; unreadable files inside a directory are
// logged and skipped, an unreadable file named directly is an error.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := l.loadFile(ctx, root)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(path) {
				return err
			}
			p, err := l.loadFile(ctx, path)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Policies loaded")
	return policies, nil
}

func (l *Loader) loadFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()
	if ok && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRego(path, data)
	case ".yaml", ".yml", ".json":
		if p, err = parseDefinition(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
	p.Source = path
	p.UpdatedAt = info.ModTime()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()
	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file parsed")
	return p, nil
}

func parseRego(path string, data []byte) *Policy {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
	}
	var description []string
	for _, comment := range headerComments(string(data)) {
		key, value, _ := strings.Cut(comment, ":")
		switch strings.TrimSpace(key) {
		case "severity":
			p.Severity = Severity(strings.TrimSpace(value))
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case "disabled":
			p.Enabled = false
		default:
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p
}

// headerComments returns the non-empty comment lines before the first
// line of code.
func headerComments(content string) []string {
	var comments []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(comments) > 0 {
				break
			}
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		if text = strings.TrimSpace(text); text != "" {
			comments = append(comments, text)
		}
	}
	return comments
}

func parseDefinition(path string, data []byte) (*Policy, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse policy definition %s: %w", path, err)
	}
	if strings.TrimSpace(def.Rego) == "" {
		return nil, fmt.Errorf("policy definition %s has no rego source", path)
	}
	p := &Policy{
		Name:        def.Name,
		Description: def.Description,
		Rego:        def.Rego,
		Severity:    def.Severity,
		Enabled:     def.Enabled == nil || *def.Enabled,
		Tags:        def.Tags,
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return p, nil
}

// Watch calls reloadFn with the full policy set whenever a policy file
// under paths changes, until ctx is done. It returns once the watcher is
// running.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		if err := addTree(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Not watching policy path")
		}
	}

	go l.watch(ctx, watcher, paths, reloadFn)
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// addTree watches root and, when it is a directory, every directory below.
func addTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, event.Name)
					timer.Reset(reloadDelay)
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDelay)

		case <-timer.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the previous set")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// ClearCache drops every parsed policy.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cacheEntry)
}
