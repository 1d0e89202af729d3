package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/director/pkg/profile"
)

// MemoryStore is an in-process Registry. Snapshots are lost on exit.
type MemoryStore struct {
	mu         sync.RWMutex
	clock      Clock
	snapshots  map[string][]*profile.Profile
	executions []*ExecutionRecord
}

// NewMemoryStore returns an empty store. A nil clock means time.Now.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{clock: clock, snapshots: make(map[string][]*profile.Profile)}
}

func (s *MemoryStore) AddProfile(_ context.Context, id string, properties map[string]string) (*profile.Profile, error) {
	if id == "" {
		return nil, fmt.Errorf("profile id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snaps := s.snapshots[id]; len(snaps) > 0 {
		return snaps[len(snaps)-1], nil
	}
	p := profile.Empty(id, properties).WithTimestamp(nextTimestamp(s.clock(), 0))
	s.snapshots[id] = []*profile.Profile{p}
	return p, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, id string) (*profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[id]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

func (s *MemoryStore) GetProfileAt(_ context.Context, id string, timestamp int64) (*profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[id]
	i := sort.Search(len(snaps), func(i int) bool { return snaps[i].Timestamp() >= timestamp })
	if i < len(snaps) && snaps[i].Timestamp() == timestamp {
		return snaps[i], nil
	}
	return nil, nil
}

func (s *MemoryStore) ListProfileTimestamps(_ context.Context, id string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, p := range s.snapshots[id] {
		out = append(out, p.Timestamp())
	}
	return out, nil
}

func (s *MemoryStore) ListProfiles(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Commit(ctx context.Context, p *profile.Profile, base int64) (*profile.Profile, error) {
	if p == nil {
		return nil, fmt.Errorf("cannot commit a nil profile")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[p.ID()]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, p.ID())
	}
	latest := snaps[len(snaps)-1].Timestamp()
	if latest != base {
		return nil, fmt.Errorf("%w: %s@%d, latest is @%d", profile.ErrStaleSnapshot, p.ID(), base, latest)
	}
	committed := p.WithTimestamp(nextTimestamp(s.clock(), latest))
	s.snapshots[p.ID()] = append(snaps, committed)
	return committed, nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.executions = append(s.executions, &c)
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, profileID string, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].ProfileID != profileID {
			continue
		}
		c := *s.executions[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
