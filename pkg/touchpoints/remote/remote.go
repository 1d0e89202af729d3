// Package remote implements a touchpoint that changes a remote machine over
// SSH. Files move over SFTP; commands, packages and systemd services are
// driven through SSH sessions. Replaced and
// removed files are renamed into a per-session backup directory on the
// remote host so undo can move them back.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/transports/ssh"
)

// TypeName is the touchpoint type units declare to use this touchpoint.
const TypeName = "remote"

// Action ids.
const (
	ActionUpload  = "upload"
	ActionMkdir   = "mkdir"
	ActionRemove  = "remove"
	ActionChmod   = "chmod"
	ActionExec    = "exec"
	ActionPackage = "package"
	ActionService = "service"
)

// Host is the remote machine. *ssh.Client satisfies it.
type Host interface {
	Run(ctx context.Context, cmd string) (*ssh.ExecResult, error)
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	Stat(ctx context.Context, remotePath string) (os.FileInfo, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, remotePath string) error
	RemoveAll(ctx context.Context, remotePath string) error
	MkdirAll(ctx context.Context, remotePath string) error
	Chmod(ctx context.Context, remotePath string, mode os.FileMode) error
}

var _ Host = (*ssh.Client)(nil)

// Touchpoint runs actions against one host.
type Touchpoint struct {
	*engine.BaseTouchpoint

	host      Host
	backupDir string
	seq       atomic.Int64
	logger    zerolog.Logger
}

// Option configures a Touchpoint.
type Option func(*Touchpoint)

// WithBackupDir sets the remote directory holding per-session backups.
func WithBackupDir(dir string) Option {
	return func(t *Touchpoint) { t.backupDir = dir }
}

// WithLogger sets the touchpoint logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Touchpoint) {
		t.logger = logger.With().Str("component", "remote-touchpoint").Logger()
	}
}

// New creates a remote touchpoint acting on host.
func New(host Host, opts ...Option) *Touchpoint {
	t := &Touchpoint{
		host:      host,
		backupDir: "/var/tmp/director-backup",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.BaseTouchpoint = engine.NewBaseTouchpoint(TypeName, map[string]engine.Action{
		ActionUpload:  engine.ActionFunc{ExecuteFunc: t.upload, UndoFunc: t.undoReplace},
		ActionMkdir:   engine.ActionFunc{ExecuteFunc: t.mkdir, UndoFunc: t.undoMkdir},
		ActionRemove:  engine.ActionFunc{ExecuteFunc: t.remove, UndoFunc: t.undoReplace},
		ActionChmod:   engine.ActionFunc{ExecuteFunc: t.chmod, UndoFunc: t.undoChmod},
		ActionExec:    engine.ActionFunc{ExecuteFunc: t.exec, UndoFunc: t.undoExec},
		ActionPackage: engine.ActionFunc{ExecuteFunc: t.ensurePackage, UndoFunc: t.undoPackage},
		ActionService: engine.ActionFunc{ExecuteFunc: t.ensureService, UndoFunc: t.undoExec},
	})
	return t
}

// DiscardBackups deletes the remote backups of a committed session.
func (t *Touchpoint) DiscardBackups(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := t.host.RemoveAll(ctx, path.Join(t.backupDir, sessionID)); err != nil {
		return fmt.Errorf("failed to discard remote backups of session %s: %w", sessionID, err)
	}
	return nil
}

func remotePath(actx *engine.ActionContext, key string) (string, error) {
	raw, err := actx.RequireParam(key)
	if err != nil {
		return "", err
	}
	p := expand(actx, raw)
	if !path.IsAbs(p) {
		return "", fmt.Errorf("action %s: %s must be an absolute remote path, got %q", actx.ActionID, key, p)
	}
	return path.Clean(p), nil
}

func expand(actx *engine.ActionContext, s string) string {
	return os.Expand(s, func(name string) string {
		switch name {
		case "unit.id":
			if actx.Unit != nil {
				return actx.Unit.ID
			}
			return ""
		case "unit.version":
			if actx.Unit != nil {
				return actx.Unit.Version.String()
			}
			return ""
		}
		return actx.Params[name]
	})
}

func (t *Touchpoint) exists(ctx context.Context, p string) (os.FileInfo, bool, error) {
	info, err := t.host.Stat(ctx, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// backup renames p into the session backup directory and records it in the
// memento.
func (t *Touchpoint) backup(ctx context.Context, actx *engine.ActionContext, p string) error {
	dir := path.Join(t.backupDir, actx.Session.ID())
	if err := t.host.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("failed to create remote backup directory: %w", err)
	}
	saved := path.Join(dir, fmt.Sprintf("%d-%s", t.seq.Add(1), path.Base(p)))
	if err := t.host.Rename(ctx, p, saved); err != nil {
		return fmt.Errorf("failed to back up %s: %w", p, err)
	}
	actx.Memento["backup"] = saved
	actx.Memento["restore"] = p
	t.logger.Debug().Str("path", p).Str("backup", saved).Msg("Backed up remote file")
	return nil
}

func (t *Touchpoint) upload(ctx context.Context, actx *engine.ActionContext) error {
	source, err := actx.RequireParam("source")
	if err != nil {
		return err
	}
	source = expand(actx, source)
	target, err := remotePath(actx, "target")
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if raw := actx.Param("mode"); raw != "" {
		if mode, err = parseMode(raw); err != nil {
			return err
		}
	}

	if _, ok, err := t.exists(ctx, target); err != nil {
		return err
	} else if ok {
		if actx.Param("overwrite") != "true" {
			return fmt.Errorf("%s already exists on the remote host", target)
		}
		if err := t.backup(ctx, actx, target); err != nil {
			return err
		}
	}
	actx.Memento["target"] = target
	if err := t.host.Upload(ctx, source, target, mode); err != nil {
		if undoErr := t.undoReplace(context.WithoutCancel(ctx), actx); undoErr != nil {
			t.logger.Error().Err(undoErr).Str("target", target).Msg("Failed to clean up partial upload")
		}
		return fmt.Errorf("failed to upload %s: %w", source, err)
	}
	return nil
}

func (t *Touchpoint) remove(ctx context.Context, actx *engine.ActionContext) error {
	p, err := remotePath(actx, "path")
	if err != nil {
		return err
	}
	_, ok, err := t.exists(ctx, p)
	if err != nil || !ok {
		return err
	}
	return t.backup(ctx, actx, p)
}

func (t *Touchpoint) undoReplace(ctx context.Context, actx *engine.ActionContext) error {
	if target := actx.Memento["target"]; target != "" {
		if err := t.host.RemoveAll(ctx, target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
	}
	saved, restore := actx.Memento["backup"], actx.Memento["restore"]
	if saved == "" {
		return nil
	}
	if err := t.host.Rename(ctx, saved, restore); err != nil {
		return fmt.Errorf("failed to restore %s: %w", restore, err)
	}
	return nil
}

func (t *Touchpoint) mkdir(ctx context.Context, actx *engine.ActionContext) error {
	p, err := remotePath(actx, "path")
	if err != nil {
		return err
	}
	top := ""
	for dir := p; dir != "/"; dir = path.Dir(dir) {
		info, ok, err := t.exists(ctx, dir)
		if err != nil {
			return err
		}
		if ok {
			if dir == p && !info.IsDir() {
				return fmt.Errorf("%s exists and is not a directory", p)
			}
			break
		}
		top = dir
	}
	if top == "" {
		return nil
	}
	if err := t.host.MkdirAll(ctx, p); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p, err)
	}
	actx.Memento["path"] = p
	actx.Memento["created"] = top
	return nil
}

func (t *Touchpoint) undoMkdir(ctx context.Context, actx *engine.ActionContext) error {
	top := actx.Memento["created"]
	if top == "" {
		return nil
	}
	for dir := actx.Memento["path"]; ; dir = path.Dir(dir) {
		if err := t.host.Remove(ctx, dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove directory %s: %w", dir, err)
		}
		if dir == top || dir == "/" {
			return nil
		}
	}
}

func parseMode(raw string) (os.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimSpace(raw), 8, 32)
	if err != nil || mode > 0o7777 {
		return 0, fmt.Errorf("invalid permissions %q", raw)
	}
	return os.FileMode(mode), nil
}

func (t *Touchpoint) chmod(ctx context.Context, actx *engine.ActionContext) error {
	p, err := remotePath(actx, "path")
	if err != nil {
		return err
	}
	perms, err := actx.RequireParam("permissions")
	if err != nil {
		return err
	}
	mode, err := parseMode(perms)
	if err != nil {
		return err
	}
	info, err := t.host.Stat(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if err := t.host.Chmod(ctx, p, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", p, err)
	}
	actx.Memento["path"] = p
	actx.Memento["mode"] = strconv.FormatUint(uint64(info.Mode().Perm()), 8)
	return nil
}

func (t *Touchpoint) undoChmod(ctx context.Context, actx *engine.ActionContext) error {
	p := actx.Memento["path"]
	if p == "" {
		return nil
	}
	mode, err := parseMode(actx.Memento["mode"])
	if err != nil {
		return err
	}
	return t.host.Chmod(ctx, p, mode)
}

// exec runs command; its optional undo parameter is the compensating
// command run on rollback.
func (t *Touchpoint) exec(ctx context.Context, actx *engine.ActionContext) error {
	command, err := actx.RequireParam("command")
	if err != nil {
		return err
	}
	command = expand(actx, command)
	result, err := t.host.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("remote command %q failed: %w", command, err)
	}
	t.logger.Debug().Str("command", command).Dur("duration", result.Duration).Msg("Remote command finished")
	if undo := actx.Param("undo"); undo != "" {
		actx.Memento["undo"] = expand(actx, undo)
	}
	return nil
}

func (t *Touchpoint) undoExec(ctx context.Context, actx *engine.ActionContext) error {
	command := actx.Memento["undo"]
	if command == "" {
		return nil
	}
	if _, err := t.host.Run(ctx, command); err != nil {
		return fmt.Errorf("remote undo command %q failed: %w", command, err)
	}
	return nil
}
