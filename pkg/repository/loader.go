package repository

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Loader reads repository documents from the local filesystem.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new repository loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "repository-loader").Logger()}
}

// LocalPath converts a repository location to a filesystem path. Locations
// are plain paths or file:// URIs.
func LocalPath(location string) (string, error) {
	if !strings.Contains(location, "://") {
		return location, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid repository location %q: %w", location, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported repository scheme %q in %s", u.Scheme, location)
	}
	return filepath.FromSlash(u.Path), nil
}

// Load reads one repository. A directory location is read as the union of
// the documents it contains.
func (l *Loader) Load(ctx context.Context, location string) ([]*Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := LocalPath(location)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat repository %s: %w", location, err)
	}
	if info.IsDir() {
		return l.LoadDir(ctx, path)
	}
	repo, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	repo.Location = location
	return []*Repository{repo}, nil
}

// LoadFile reads and decodes a single document.
func (l *Loader) LoadFile(path string) (*Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository file: %w", err)
	}
	repo, err := Decode(path, data)
	if err != nil {
		return nil, err
	}
	l.logger.Debug().
		Str("path", path).
		Int("units", len(repo.Units)).
		Msg("Repository loaded")
	return repo, nil
}

// LoadDir reads every .yaml and .yml document directly inside dir, in name
// order. Documents that fail to load are skipped and reported together in
// the returned error alongside the repositories that did load.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]*Repository, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isDocument(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var repos []*Repository
	var result *multierror.Error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		repo, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("Skipping invalid repository document")
			result = multierror.Append(result, err)
			continue
		}
		repos = append(repos, repo)
	}
	return repos, result.ErrorOrNil()
}

// LoadPool loads every location and indexes the result. Any failure aborts.
func (l *Loader) LoadPool(ctx context.Context, locations []string) (*Pool, error) {
	var all []*Repository
	for _, loc := range locations {
		repos, err := l.Load(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("failed to load repository %s: %w", loc, err)
		}
		all = append(all, repos...)
	}
	pool := NewPool(all...)
	l.logger.Info().
		Int("repositories", len(all)).
		Int("units", pool.Len()).
		Msg("Candidate pool loaded")
	return pool, nil
}

func isDocument(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
