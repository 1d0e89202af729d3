package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/director/pkg/telemetry"
)

// Watcher keeps a LivePool in sync with a dropins directory. The pool is
// the union of the static repositories and every valid document in the
// directory.
type Watcher struct {
	dir      string
	loader   *Loader
	target   *LivePool
	static   []*Repository
	delay    time.Duration
	onReload func(*Pool)
	logger   zerolog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithStaticRepositories adds repositories that are always part of the pool.
func WithStaticRepositories(repos ...*Repository) WatcherOption {
	return func(w *Watcher) { w.static = append(w.static, repos...) }
}

// WithDebounce sets how long the watcher waits for events to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.delay = d }
}

// WithReloadHook registers a function called with every new pool.
func WithReloadHook(fn func(*Pool)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for dir that publishes into target.
func NewWatcher(dir string, loader *Loader, target *LivePool, logger zerolog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:    dir,
		loader: loader,
		target: target,
		delay:  500 * time.Millisecond,
		logger: logger.With().Str("component", "dropins-watcher").Str("dir", dir).Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload rebuilds the pool from the directory. Invalid documents are skipped;
// the pool is swapped even when some of them failed.
func (w *Watcher) Reload(ctx context.Context) error {
	repos, loadErr := w.loader.LoadDir(ctx, w.dir)
	if err := ctx.Err(); err != nil {
		return err
	}

	all := make([]*Repository, 0, len(w.static)+len(repos))
	all = append(all, w.static...)
	all = append(all, repos...)
	pool := NewPool(all...)
	w.target.Swap(pool)

	telemetry.RecordRepositoryChange(ctx, w.dir, pool.Len())
	if w.onReload != nil {
		w.onReload(pool)
	}
	w.logger.Info().
		Int("documents", len(repos)).
		Int("units", pool.Len()).
		Msg("Dropins reloaded")
	return loadErr
}

// Run loads the directory and then reloads it on every change until ctx is
// done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	if err := w.Reload(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Initial dropins load reported errors")
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDocument(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Dropin changed")
			if debounce == nil {
				debounce = time.NewTimer(w.delay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.delay)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("Dropins reload reported errors")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
