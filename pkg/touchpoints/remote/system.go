package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/director/pkg/engine"
)

// Package managers the package action can drive, in detection order.
var packageManagers = []string{"apt", "dnf", "yum", "zypper"}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// output runs cmd and returns its trimmed stdout. Commands such as
// systemctl is-active report through their exit status, so a non-zero
// exit with a result is not an error.
func (t *Touchpoint) output(ctx context.Context, cmd string) (string, error) {
	result, err := t.host.Run(ctx, cmd)
	if result == nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

func (t *Touchpoint) detectPackageManager(ctx context.Context) (string, error) {
	for _, mgr := range packageManagers {
		if _, err := t.host.Run(ctx, "command -v "+mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found on the remote host")
}

// installedVersion returns the installed version of name, or "" when the
// package is not installed.
func (t *Touchpoint) installedVersion(ctx context.Context, manager, name string) (string, error) {
	var cmd string
	switch manager {
	case "apt":
		cmd = "dpkg-query -W -f='${Version}' " + shellQuote(name)
	case "dnf", "yum", "zypper":
		cmd = "rpm -q --queryformat '%{VERSION}-%{RELEASE}' " + shellQuote(name)
	default:
		return "", fmt.Errorf("unsupported package manager: %s", manager)
	}
	result, err := t.host.Run(ctx, cmd)
	if err != nil {
		if result != nil {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

func packageCommand(manager, verb, name, version string) (string, error) {
	spec := name
	if version != "" {
		switch manager {
		case "apt", "zypper":
			spec = name + "=" + version
		case "dnf", "yum":
			spec = name + "-" + version
		}
	}
	switch manager {
	case "apt":
		return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get %s -y %s", verb, shellQuote(spec)), nil
	case "dnf", "yum":
		return fmt.Sprintf("%s %s -y %s", manager, verb, shellQuote(spec)), nil
	case "zypper":
		return fmt.Sprintf("zypper --non-interactive %s %s", verb, shellQuote(spec)), nil
	}
	return "", fmt.Errorf("unsupported package manager: %s", manager)
}

// ensurePackage brings an OS package to state "present" (the default) or
// "absent". The previous state is kept in the memento so undo can restore
// it. A version parameter pins the installed version.
func (t *Touchpoint) ensurePackage(ctx context.Context, actx *engine.ActionContext) error {
	name, err := actx.RequireParam("name")
	if err != nil {
		return err
	}
	name = expand(actx, name)
	version := expand(actx, actx.Param("version"))
	state := actx.Param("state")
	if state == "" {
		state = "present"
	}
	if state != "present" && state != "absent" {
		return fmt.Errorf("action %s: invalid state %q", actx.ActionID, state)
	}

	manager := actx.Param("manager")
	if manager == "" {
		if manager, err = t.detectPackageManager(ctx); err != nil {
			return err
		}
	}
	previous, err := t.installedVersion(ctx, manager, name)
	if err != nil {
		return fmt.Errorf("failed to query package %s: %w", name, err)
	}

	var cmd string
	switch {
	case state == "absent" && previous != "":
		cmd, err = packageCommand(manager, "remove", name, "")
	case state == "present" && (previous == "" || (version != "" && !strings.HasPrefix(previous, version))):
		cmd, err = packageCommand(manager, "install", name, version)
	default:
		t.logger.Debug().Str("package", name).Str("state", state).Msg("Package already in desired state")
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.host.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to %s package %s: %w", state, name, err)
	}
	actx.Memento["manager"] = manager
	actx.Memento["package"] = name
	actx.Memento["previous"] = previous
	t.logger.Info().Str("package", name).Str("manager", manager).Str("state", state).Msg("Package changed")
	return nil
}

func (t *Touchpoint) undoPackage(ctx context.Context, actx *engine.ActionContext) error {
	name := actx.Memento["package"]
	if name == "" {
		return nil
	}
	manager, previous := actx.Memento["manager"], actx.Memento["previous"]

	var cmd string
	var err error
	if previous == "" {
		cmd, err = packageCommand(manager, "remove", name, "")
	} else {
		cmd, err = packageCommand(manager, "install", name, previous)
	}
	if err != nil {
		return err
	}
	if _, err := t.host.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to restore package %s: %w", name, err)
	}
	return nil
}

// serviceInverse maps a systemctl verb to the verb that reverts it.
var serviceInverse = map[string]string{
	"start":   "stop",
	"stop":    "start",
	"enable":  "disable",
	"disable": "enable",
	"restart": "",
	"reload":  "",
}

// ensureService runs systemctl verb on a unit. start, stop, enable and
// disable are skipped when the unit is already in that state and are
// reverted on undo; restart and reload always run and have no undo.
func (t *Touchpoint) ensureService(ctx context.Context, actx *engine.ActionContext) error {
	name, err := actx.RequireParam("name")
	if err != nil {
		return err
	}
	name = expand(actx, name)
	verb, err := actx.RequireParam("verb")
	if err != nil {
		return err
	}
	inverse, ok := serviceInverse[verb]
	if !ok {
		return fmt.Errorf("action %s: invalid verb %q", actx.ActionID, verb)
	}

	quoted := shellQuote(name)
	switch verb {
	case "start", "stop":
		active, err := t.output(ctx, "systemctl is-active "+quoted)
		if err != nil {
			return err
		}
		if (active == "active") == (verb == "start") {
			return nil
		}
	case "enable", "disable":
		enabled, err := t.output(ctx, "systemctl is-enabled "+quoted)
		if err != nil {
			return err
		}
		if (enabled == "enabled") == (verb == "enable") {
			return nil
		}
	}

	if _, err := t.host.Run(ctx, "systemctl "+verb+" "+quoted); err != nil {
		return fmt.Errorf("failed to %s service %s: %w", verb, name, err)
	}
	if inverse != "" {
		actx.Memento["undo"] = "systemctl " + inverse + " " + quoted
	}
	return nil
}
