package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/director/pkg/profile"
)

// Well-known session service names.
const (
	ServiceProfileRegistry = "profileRegistry"
)

// undoEntry is one recorded step on the session's undo log.
type undoEntry struct {
	phase       PhaseID
	unit        string
	description string
	undo        func(ctx context.Context) error
}

// Session is the transactional context of one execution. It records undo
// information for everything that ran and exposes named services and the
// environment to actions.
type Session struct {
	id      string
	profile *profile.Profile
	env     map[string]string

	mu       sync.Mutex
	services map[string]interface{}
	undoLog  []undoEntry
	pending  profile.PropertyChanges
	target   *profile.Profile
}

// NewSession creates a session executing against current.
func NewSession(current *profile.Profile, env map[string]string) *Session {
	return &Session{
		id:       uuid.New().String(),
		profile:  current,
		env:      maps.Clone(env),
		services: make(map[string]interface{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Profile returns the profile as it was when execution started.
func (s *Session) Profile() *profile.Profile { return s.profile }

// TargetProfile returns the profile computed by the property phase, or nil
// before that phase has run.
func (s *Session) TargetProfile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Session) setTarget(p *profile.Profile) {
	s.mu.Lock()
	s.target = p
	s.mu.Unlock()
}

// Environment returns a copy of the execution environment.
func (s *Session) Environment() map[string]string {
	return maps.Clone(s.env)
}

// RegisterService makes svc available to actions under name.
func (s *Session) RegisterService(name string, svc interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = svc
}

// Service returns the service registered under name.
func (s *Session) Service(name string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[name]
	return svc, ok
}

// RecordUndo pushes an undo step. Touchpoint hooks use it to make their own
// side effects reversible; actions are recorded by the engine.
func (s *Session) RecordUndo(phase PhaseID, unit, description string, undo func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undoLog = append(s.undoLog, undoEntry{phase: phase, unit: unit, description: description, undo: undo})
}

// UndoDepth returns the number of recorded undo steps.
func (s *Session) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undoLog)
}

// SetProfileProperty stages a profile property assignment for commit. It
// cancels a staged removal of the same key.
func (s *Session) SetProfileProperty(key, value string) (previous string, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed = s.pending.SetProfile[key]
	if s.pending.SetProfile == nil {
		s.pending.SetProfile = map[string]string{}
	}
	s.pending.SetProfile[key] = value
	s.pending.RemoveProfile = slices.DeleteFunc(s.pending.RemoveProfile, func(k string) bool { return k == key })
	return previous, existed
}

// UnsetProfileProperty drops a staged assignment made by SetProfileProperty.
func (s *Session) UnsetProfileProperty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending.SetProfile, key)
}

// RemoveProfileProperty stages a profile property removal for commit.
func (s *Session) RemoveProfileProperty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending.SetProfile, key)
	s.pending.RemoveProfile = append(s.pending.RemoveProfile, key)
}

// RestoreProfileProperty cancels a staged removal of key.
func (s *Session) RestoreProfileProperty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending.RemoveProfile[:0]
	for _, k := range s.pending.RemoveProfile {
		if k != key {
			kept = append(kept, k)
		}
	}
	s.pending.RemoveProfile = kept
}

// PendingChanges returns the property changes staged by actions.
func (s *Session) PendingChanges() profile.PropertyChanges {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Clone()
}

// rollback replays the undo log most recent first. Every step is attempted;
// failures are collected and returned together.
func (s *Session) rollback(ctx context.Context) (int, error) {
	s.mu.Lock()
	log := s.undoLog
	s.undoLog = nil
	s.mu.Unlock()

	var result *multierror.Error
	undone := 0
	for i := len(log) - 1; i >= 0; i-- {
		entry := log[i]
		if err := entry.undo(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("undo %s of %s in phase %s: %w", entry.description, entry.unit, entry.phase, err))
			continue
		}
		undone++
	}
	return undone, result.ErrorOrNil()
}
