package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

func iu(id, version string, requires ...metadata.Requirement) *metadata.InstallableUnit {
	return &metadata.InstallableUnit{
		ID:       id,
		Version:  metadata.MustParseVersion(version),
		Requires: requires,
	}
}

func needs(id, versionRange string) metadata.Requirement {
	return metadata.RequireUnit(id, metadata.MustParseVersionRange(versionRange))
}

// withInstall returns a copy of u running the given actions in the install
// phase of the "test" touchpoint.
func withInstall(u *metadata.InstallableUnit, actions ...string) *metadata.InstallableUnit {
	c := u.Clone()
	c.Touchpoint = "test"
	if c.Instructions == nil {
		c.Instructions = map[string][]metadata.Instruction{}
	}
	for _, a := range actions {
		c.Instructions[string(PhaseInstall)] = append(c.Instructions[string(PhaseInstall)], metadata.Instruction{Action: a})
	}
	return c
}

func withUninstall(u *metadata.InstallableUnit, actions ...string) *metadata.InstallableUnit {
	c := u.Clone()
	c.Touchpoint = "test"
	if c.Instructions == nil {
		c.Instructions = map[string][]metadata.Instruction{}
	}
	for _, a := range actions {
		c.Instructions[string(PhaseUninstall)] = append(c.Instructions[string(PhaseUninstall)], metadata.Instruction{Action: a})
	}
	return c
}

// mockPool is a CandidatePool over a fixed slice.
type mockPool struct {
	units   []*metadata.InstallableUnit
	queries int
	err     error
}

func (p *mockPool) FindProviders(ctx context.Context, req metadata.Requirement, env map[string]string) ([]*metadata.InstallableUnit, error) {
	p.queries++
	if p.err != nil {
		return nil, p.err
	}
	var out []*metadata.InstallableUnit
	for _, u := range p.units {
		if u.Satisfies(req, env) {
			out = append(out, u)
		}
	}
	return out, nil
}

// mockRegistry keeps snapshots in memory with a counter clock.
type mockRegistry struct {
	mu        sync.Mutex
	snapshots map[string][]*profile.Profile
	clock     int64
	commitErr error
	commits   int
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{snapshots: make(map[string][]*profile.Profile)}
}

func (r *mockRegistry) tick() int64 {
	r.clock++
	return r.clock
}

func (r *mockRegistry) AddProfile(ctx context.Context, id string, properties map[string]string) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snaps := r.snapshots[id]; len(snaps) > 0 {
		return snaps[len(snaps)-1], nil
	}
	p := profile.Empty(id, properties).WithTimestamp(r.tick())
	r.snapshots[id] = append(r.snapshots[id], p)
	return p, nil
}

func (r *mockRegistry) GetProfile(ctx context.Context, id string) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[id]
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[len(snaps)-1], nil
}

func (r *mockRegistry) GetProfileAt(ctx context.Context, id string, timestamp int64) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.snapshots[id] {
		if p.Timestamp() == timestamp {
			return p, nil
		}
	}
	return nil, nil
}

func (r *mockRegistry) ListProfileTimestamps(ctx context.Context, id string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, p := range r.snapshots[id] {
		out = append(out, p.Timestamp())
	}
	return out, nil
}

func (r *mockRegistry) ListProfiles(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id := range r.snapshots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *mockRegistry) Commit(ctx context.Context, p *profile.Profile, base int64) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return nil, r.commitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snaps := r.snapshots[p.ID()]; len(snaps) > 0 && snaps[len(snaps)-1].Timestamp() != base {
		return nil, fmt.Errorf("%w: latest is @%d", profile.ErrStaleSnapshot, snaps[len(snaps)-1].Timestamp())
	}
	committed := p.WithTimestamp(r.tick())
	r.snapshots[p.ID()] = append(r.snapshots[p.ID()], committed)
	r.commits++
	return committed, nil
}

// journal records action executions and undos in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

var errActionBoom = errors.New("boom")

// newTestTouchpoint returns a "test" touchpoint with these actions:
//
//	record     journals "<phase> <unit>" and undoes with "undo <phase> <unit>"
//	fail       always fails
//	badundo    journals like record but its undo fails
//	setprop    stages profile property "touched" = unit id
func newTestTouchpoint(j *journal) *BaseTouchpoint {
	record := ActionFunc{
		ExecuteFunc: func(ctx context.Context, actx *ActionContext) error {
			j.add("%s %s", actx.Phase, actx.Unit)
			return nil
		},
		UndoFunc: func(ctx context.Context, actx *ActionContext) error {
			j.add("undo %s %s", actx.Phase, actx.Unit)
			return nil
		},
	}
	return NewBaseTouchpoint("test", map[string]Action{
		"record": record,
		"fail": ActionFunc{
			ExecuteFunc: func(ctx context.Context, actx *ActionContext) error { return errActionBoom },
		},
		"badundo": ActionFunc{
			ExecuteFunc: record.ExecuteFunc,
			UndoFunc: func(ctx context.Context, actx *ActionContext) error {
				return errors.New("cannot undo")
			},
		},
		"setprop": ActionFunc{
			ExecuteFunc: func(ctx context.Context, actx *ActionContext) error {
				actx.Session.SetProfileProperty("touched", actx.Unit.ID)
				return nil
			},
			UndoFunc: func(ctx context.Context, actx *ActionContext) error {
				actx.Session.UnsetProfileProperty("touched")
				return nil
			},
		},
	})
}

func newTestEngine(t interface{ Fatalf(string, ...interface{}) }, reg ProfileRegistry, j *journal) *Engine {
	touchpoints := NewTouchpointRegistry()
	if err := touchpoints.Register(newTestTouchpoint(j)); err != nil {
		t.Fatalf("register touchpoint: %v", err)
	}
	return NewEngine(reg, touchpoints)
}

func unitIDs(units []*metadata.InstallableUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.String()
	}
	return out
}

func operandStrings(ops []profile.Operand) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}
