// Package core provides the built-in actions every touchpoint can offer:
// repository registration and profile property staging. Touchpoints merge
// Actions into their own action table; the package also serves them as a
// standalone touchpoint of type "core".
package core

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/repository"
)

// TypeName is the touchpoint type of the standalone core touchpoint.
const TypeName = "core"

// Action ids.
const (
	ActionAddRepository         = "addRepository"
	ActionRemoveRepository      = "removeRepository"
	ActionSetProfileProperty    = "setProfileProperty"
	ActionRemoveProfileProperty = "removeProfileProperty"
)

// Actions returns the built-in actions. Repository actions update the
// per-profile lists held by lists.
func Actions(lists *repository.Lists) map[string]engine.Action {
	r := &repositoryActions{lists: lists}
	return map[string]engine.Action{
		ActionAddRepository:         engine.ActionFunc{ExecuteFunc: r.add, UndoFunc: r.undo},
		ActionRemoveRepository:      engine.ActionFunc{ExecuteFunc: r.remove, UndoFunc: r.undo},
		ActionSetProfileProperty:    engine.ActionFunc{ExecuteFunc: setProfileProperty, UndoFunc: undoSetProfileProperty},
		ActionRemoveProfileProperty: engine.ActionFunc{ExecuteFunc: removeProfileProperty, UndoFunc: undoRemoveProfileProperty},
	}
}

// New returns the standalone core touchpoint.
func New(lists *repository.Lists) *engine.BaseTouchpoint {
	return engine.NewBaseTouchpoint(TypeName, Actions(lists))
}

// Install adds the built-in actions to tp without replacing actions it
// already defines.
func Install(tp *engine.BaseTouchpoint, lists *repository.Lists) {
	if tp.Actions == nil {
		tp.Actions = make(map[string]engine.Action)
	}
	for id, action := range Actions(lists) {
		if _, ok := tp.Actions[id]; !ok {
			tp.Actions[id] = action
		}
	}
}

type repositoryActions struct {
	lists *repository.Lists
}

// repositoryParams holds the parameters of addRepository and removeRepository.
type repositoryParams struct {
	location string
	typ      repository.Type
	nickname string
	enabled  bool
}

func parseRepositoryParams(actx *engine.ActionContext) (repositoryParams, error) {
	location, err := actx.RequireParam("location")
	if err != nil {
		return repositoryParams{}, err
	}
	rawType, err := actx.RequireParam("type")
	if err != nil {
		return repositoryParams{}, err
	}
	typ, err := repository.ParseType(rawType)
	if err != nil {
		return repositoryParams{}, fmt.Errorf("action %s: %w", actx.ActionID, err)
	}
	p := repositoryParams{location: location, typ: typ, nickname: actx.Param("nickname"), enabled: true}
	if raw := actx.Param("enabled"); raw != "" {
		p.enabled, err = strconv.ParseBool(raw)
		if err != nil {
			return repositoryParams{}, fmt.Errorf("action %s: invalid enabled value %q", actx.ActionID, raw)
		}
	}
	return p, nil
}

func (r *repositoryActions) list(actx *engine.ActionContext) (*repository.List, error) {
	if r.lists == nil {
		return nil, fmt.Errorf("action %s: no repository lists configured", actx.ActionID)
	}
	return r.lists.For(actx.Session.Profile().ID())
}

// remember stores the entry as it was before the action so undo can put it
// back, including its absence.
func remember(actx *engine.ActionContext, p repositoryParams, prev repository.Entry, existed bool) {
	actx.Memento["location"] = p.location
	actx.Memento["type"] = strconv.Itoa(int(p.typ))
	actx.Memento["existed"] = strconv.FormatBool(existed)
	if existed {
		actx.Memento["nickname"] = prev.Nickname
		actx.Memento["enabled"] = strconv.FormatBool(prev.Enabled)
		actx.Memento["count"] = strconv.Itoa(prev.Count)
	}
}

func (r *repositoryActions) add(_ context.Context, actx *engine.ActionContext) error {
	p, err := parseRepositoryParams(actx)
	if err != nil {
		return err
	}
	list, err := r.list(actx)
	if err != nil {
		return err
	}
	prev, existed := list.Get(p.location, p.typ)
	if _, err := list.Add(repository.Entry{Location: p.location, Type: p.typ, Nickname: p.nickname, Enabled: p.enabled}); err != nil {
		return err
	}
	remember(actx, p, prev, existed)
	return nil
}

func (r *repositoryActions) remove(_ context.Context, actx *engine.ActionContext) error {
	p, err := parseRepositoryParams(actx)
	if err != nil {
		return err
	}
	list, err := r.list(actx)
	if err != nil {
		return err
	}
	prev, existed, err := list.Remove(p.location, p.typ)
	if err != nil {
		return err
	}
	remember(actx, p, prev, existed)
	return nil
}

func (r *repositoryActions) undo(_ context.Context, actx *engine.ActionContext) error {
	location := actx.Memento["location"]
	if location == "" {
		return nil
	}
	typ, err := repository.ParseType(actx.Memento["type"])
	if err != nil {
		return err
	}
	list, err := r.list(actx)
	if err != nil {
		return err
	}
	entry := repository.Entry{Location: location, Type: typ}
	if actx.Memento["existed"] == "true" {
		entry.Nickname = actx.Memento["nickname"]
		entry.Enabled = actx.Memento["enabled"] == "true"
		entry.Count, _ = strconv.Atoi(actx.Memento["count"])
		if entry.Count == 0 {
			entry.Count = 1
		}
	}
	return list.Restore(entry)
}

func setProfileProperty(_ context.Context, actx *engine.ActionContext) error {
	key, err := actx.RequireParam("key")
	if err != nil {
		return err
	}
	value := actx.Param("value")
	removed := slices.Contains(actx.Session.PendingChanges().RemoveProfile, key)
	prev, existed := actx.Session.SetProfileProperty(key, value)
	actx.Memento["key"] = key
	if removed {
		actx.Memento["removed"] = "true"
	}
	if existed {
		actx.Memento["previous"] = prev
		actx.Memento["staged"] = "true"
	}
	return nil
}

func undoSetProfileProperty(_ context.Context, actx *engine.ActionContext) error {
	key := actx.Memento["key"]
	if key == "" {
		return nil
	}
	switch {
	case actx.Memento["staged"] == "true":
		actx.Session.SetProfileProperty(key, actx.Memento["previous"])
	case actx.Memento["removed"] == "true":
		actx.Session.RemoveProfileProperty(key)
	default:
		actx.Session.UnsetProfileProperty(key)
	}
	return nil
}

func removeProfileProperty(_ context.Context, actx *engine.ActionContext) error {
	key, err := actx.RequireParam("key")
	if err != nil {
		return err
	}
	pending := actx.Session.PendingChanges()
	actx.Memento["key"] = key
	if v, ok := pending.SetProfile[key]; ok {
		actx.Memento["previous"] = v
		actx.Memento["staged"] = "true"
	}
	actx.Session.RemoveProfileProperty(key)
	return nil
}

func undoRemoveProfileProperty(_ context.Context, actx *engine.ActionContext) error {
	key := actx.Memento["key"]
	if key == "" {
		return nil
	}
	actx.Session.RestoreProfileProperty(key)
	if actx.Memento["staged"] == "true" {
		actx.Session.SetProfileProperty(key, actx.Memento["previous"])
	}
	return nil
}
