// Package native implements the filesystem touchpoint. Every action records
// what it changed in the action memento so that rollback can put the file
// tree back exactly as it was.
package native

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/director/pkg/engine"
)

// TypeName is the touchpoint type units declare to use this touchpoint.
const TypeName = "native"

// Action ids.
const (
	ActionMkdir  = "mkdir"
	ActionRmdir  = "rmdir"
	ActionCopy   = "copy"
	ActionRemove = "remove"
	ActionChmod  = "chmod"
	ActionLink   = "link"
)

// Touchpoint runs filesystem actions relative to an install folder.
type Touchpoint struct {
	*engine.BaseTouchpoint

	root      string
	backupDir string
	seq       atomic.Int64
	logger    zerolog.Logger
}

// Option configures a Touchpoint.
type Option func(*Touchpoint)

// WithBackupDir sets where replaced and removed files are kept until the
// session is discarded. It should live on the same filesystem as the install
// folder.
func WithBackupDir(dir string) Option {
	return func(t *Touchpoint) { t.backupDir = dir }
}

// WithLogger sets the touchpoint logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Touchpoint) {
		t.logger = logger.With().Str("component", "native-touchpoint").Logger()
	}
}

// New creates a native touchpoint installing into root.
func New(root string, opts ...Option) *Touchpoint {
	t := &Touchpoint{
		root:      filepath.Clean(root),
		backupDir: filepath.Join(root, ".director", "backup"),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.BaseTouchpoint = engine.NewBaseTouchpoint(TypeName, map[string]engine.Action{
		ActionMkdir:  engine.ActionFunc{ExecuteFunc: t.mkdir, UndoFunc: t.undoMkdir},
		ActionRmdir:  engine.ActionFunc{ExecuteFunc: t.rmdir, UndoFunc: t.undoRmdir},
		ActionCopy:   engine.ActionFunc{ExecuteFunc: t.copy, UndoFunc: t.undoReplace},
		ActionRemove: engine.ActionFunc{ExecuteFunc: t.remove, UndoFunc: t.undoReplace},
		ActionChmod:  engine.ActionFunc{ExecuteFunc: t.chmod, UndoFunc: t.undoChmod},
		ActionLink:   engine.ActionFunc{ExecuteFunc: t.link, UndoFunc: t.undoReplace},
	})
	return t
}

// Root returns the install folder.
func (t *Touchpoint) Root() string { return t.root }

// DiscardBackups deletes the backups kept for a session. Call it once the
// session committed and can no longer be rolled back.
func (t *Touchpoint) DiscardBackups(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(t.backupDir, sessionID)); err != nil {
		return fmt.Errorf("failed to discard backups of session %s: %w", sessionID, err)
	}
	return nil
}

// path reads a path parameter, expands ${...} references and resolves it
// against the install folder.
func (t *Touchpoint) path(actx *engine.ActionContext, key string) (string, error) {
	raw, err := actx.RequireParam(key)
	if err != nil {
		return "", err
	}
	p := t.expand(actx, raw)
	if !filepath.IsAbs(p) {
		p = filepath.Join(t.root, p)
	}
	return filepath.Clean(p), nil
}

func (t *Touchpoint) expand(actx *engine.ActionContext, s string) string {
	return os.Expand(s, func(name string) string {
		switch name {
		case "installFolder":
			return t.root
		case "unit.id":
			if actx.Unit != nil {
				return actx.Unit.ID
			}
		case "unit.version":
			if actx.Unit != nil {
				return actx.Unit.Version.String()
			}
		default:
			return actx.Params[name]
		}
		return ""
	})
}

// backup moves path aside into the session backup area and returns where it
// went.
func (t *Touchpoint) backup(actx *engine.ActionContext, path string) (string, error) {
	dir := filepath.Join(t.backupDir, actx.Session.ID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%d-%s", t.seq.Add(1), filepath.Base(path)))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("failed to back up %s: %w", path, err)
	}
	t.logger.Debug().Str("path", path).Str("backup", dst).Msg("Backed up")
	return dst, nil
}

func exists(path string) (os.FileInfo, bool, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

func (t *Touchpoint) mkdir(_ context.Context, actx *engine.ActionContext) error {
	path, err := t.path(actx, "path")
	if err != nil {
		return err
	}
	if info, ok, err := exists(path); err != nil {
		return err
	} else if ok {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	// Find the topmost missing ancestor so undo removes exactly what was made.
	top := ""
	for dir := path; ; dir = filepath.Dir(dir) {
		_, ok, err := exists(dir)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		top = dir
		if filepath.Dir(dir) == dir {
			break
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	actx.Memento["path"] = path
	actx.Memento["created"] = top
	return nil
}

func (t *Touchpoint) undoMkdir(_ context.Context, actx *engine.ActionContext) error {
	top := actx.Memento["created"]
	if top == "" {
		return nil
	}
	for dir := actx.Memento["path"]; ; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove directory %s: %w", dir, err)
		}
		if dir == top || filepath.Dir(dir) == dir {
			return nil
		}
	}
}

func (t *Touchpoint) rmdir(_ context.Context, actx *engine.ActionContext) error {
	path, err := t.path(actx, "path")
	if err != nil {
		return err
	}
	info, ok, err := exists(path)
	if err != nil || !ok {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", path, err)
	}
	actx.Memento["removed"] = path
	actx.Memento["mode"] = strconv.FormatUint(uint64(info.Mode().Perm()), 8)
	return nil
}

func (t *Touchpoint) undoRmdir(_ context.Context, actx *engine.ActionContext) error {
	path := actx.Memento["removed"]
	if path == "" {
		return nil
	}
	mode, err := strconv.ParseUint(actx.Memento["mode"], 8, 32)
	if err != nil {
		mode = 0o755
	}
	if err := os.Mkdir(path, os.FileMode(mode)); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to recreate directory %s: %w", path, err)
	}
	return nil
}

// copy copies a file or a directory tree. An existing target is only
// replaced when overwrite is true.
func (t *Touchpoint) copy(_ context.Context, actx *engine.ActionContext) error {
	source, err := t.path(actx, "source")
	if err != nil {
		return err
	}
	target, err := t.path(actx, "target")
	if err != nil {
		return err
	}
	if _, ok, err := exists(source); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("copy source %s does not exist", source)
	}
	if err := t.makeRoom(actx, target, actx.Param("overwrite") == "true"); err != nil {
		return err
	}
	actx.Memento["target"] = target
	if err := copyTree(source, target); err != nil {
		if undoErr := t.undoReplace(context.Background(), actx); undoErr != nil {
			t.logger.Error().Err(undoErr).Str("target", target).Msg("Failed to clean up partial copy")
		}
		return fmt.Errorf("failed to copy %s to %s: %w", source, target, err)
	}
	return nil
}

// makeRoom backs up an existing target when replace is allowed.
func (t *Touchpoint) makeRoom(actx *engine.ActionContext, target string, replace bool) error {
	_, ok, err := exists(target)
	if err != nil || !ok {
		return err
	}
	if !replace {
		return fmt.Errorf("%s already exists", target)
	}
	saved, err := t.backup(actx, target)
	if err != nil {
		return err
	}
	actx.Memento["backup"] = saved
	actx.Memento["restore"] = target
	return nil
}

func (t *Touchpoint) remove(_ context.Context, actx *engine.ActionContext) error {
	path, err := t.path(actx, "path")
	if err != nil {
		return err
	}
	_, ok, err := exists(path)
	if err != nil || !ok {
		return err
	}
	saved, err := t.backup(actx, path)
	if err != nil {
		return err
	}
	actx.Memento["backup"] = saved
	actx.Memento["restore"] = path
	return nil
}

// undoReplace removes whatever the action created at memento "target" and
// moves the backup, if any, back into place.
func (t *Touchpoint) undoReplace(_ context.Context, actx *engine.ActionContext) error {
	if target := actx.Memento["target"]; target != "" {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
	}
	saved, restore := actx.Memento["backup"], actx.Memento["restore"]
	if saved == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(restore), 0o755); err != nil {
		return fmt.Errorf("failed to recreate %s: %w", filepath.Dir(restore), err)
	}
	if err := os.Rename(saved, restore); err != nil {
		return fmt.Errorf("failed to restore %s: %w", restore, err)
	}
	return nil
}

func (t *Touchpoint) chmod(_ context.Context, actx *engine.ActionContext) error {
	path, err := t.path(actx, "path")
	if err != nil {
		return err
	}
	perms, err := actx.RequireParam("permissions")
	if err != nil {
		return err
	}
	mode, err := strconv.ParseUint(strings.TrimSpace(perms), 8, 32)
	if err != nil || mode > 0o7777 {
		return fmt.Errorf("invalid permissions %q", perms)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	actx.Memento["path"] = path
	actx.Memento["mode"] = strconv.FormatUint(uint64(info.Mode().Perm()), 8)
	return nil
}

func (t *Touchpoint) undoChmod(_ context.Context, actx *engine.ActionContext) error {
	path := actx.Memento["path"]
	if path == "" {
		return nil
	}
	mode, err := strconv.ParseUint(actx.Memento["mode"], 8, 32)
	if err != nil {
		return fmt.Errorf("invalid saved mode for %s: %w", path, err)
	}
	return os.Chmod(path, os.FileMode(mode))
}

// link creates a symbolic link named linkName pointing at target. The target
// is stored as given so relative links stay relative.
func (t *Touchpoint) link(_ context.Context, actx *engine.ActionContext) error {
	name, err := t.path(actx, "linkName")
	if err != nil {
		return err
	}
	target, err := actx.RequireParam("target")
	if err != nil {
		return err
	}
	target = t.expand(actx, target)
	if err := t.makeRoom(actx, name, actx.Param("force") == "true"); err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(name), 0o755)
	if err == nil {
		err = os.Symlink(target, name)
	}
	if err != nil {
		if undoErr := t.undoReplace(context.Background(), actx); undoErr != nil {
			t.logger.Error().Err(undoErr).Str("link", name).Msg("Failed to restore replaced file")
		}
		return fmt.Errorf("failed to link %s: %w", name, err)
	}
	actx.Memento["target"] = name
	return nil
}
