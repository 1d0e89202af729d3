package repository

import (
	"context"
	"sync"

	"github.com/openfroyo/director/pkg/metadata"
)

type capabilityKey struct {
	namespace string
	name      string
}

// Pool is an immutable set of candidate units indexed by capability. It
// implements the planner's CandidatePool. When two repositories carry the
// same unit, the first one added wins.
type Pool struct {
	units        []*metadata.InstallableUnit
	byKey        map[metadata.UnitKey]*metadata.InstallableUnit
	byCapability map[capabilityKey][]*metadata.InstallableUnit
	sources      map[metadata.UnitKey]string
}

// NewPool indexes the units of repos.
func NewPool(repos ...*Repository) *Pool {
	p := &Pool{
		byKey:        make(map[metadata.UnitKey]*metadata.InstallableUnit),
		byCapability: make(map[capabilityKey][]*metadata.InstallableUnit),
		sources:      make(map[metadata.UnitKey]string),
	}
	for _, repo := range repos {
		if repo == nil {
			continue
		}
		for _, u := range repo.Units {
			p.add(u, repo.Location)
		}
	}
	metadata.SortUnits(p.units)
	return p
}

// PoolOf builds a pool directly from units.
func PoolOf(units ...*metadata.InstallableUnit) *Pool {
	return NewPool(&Repository{Units: units})
}

func (p *Pool) add(u *metadata.InstallableUnit, source string) {
	key := u.Key()
	if _, ok := p.byKey[key]; ok {
		return
	}
	p.byKey[key] = u
	p.sources[key] = source
	p.units = append(p.units, u)
	for _, c := range u.ProvidedCapabilities() {
		ck := capabilityKey{c.Namespace, c.Name}
		p.byCapability[ck] = append(p.byCapability[ck], u)
	}
}

// FindProviders returns every unit offering a capability that satisfies req
// in env, sorted by id then version.
func (p *Pool) FindProviders(ctx context.Context, req metadata.Requirement, env map[string]string) ([]*metadata.InstallableUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*metadata.InstallableUnit
	for _, u := range p.byCapability[capabilityKey{req.Namespace, req.Name}] {
		if u.Satisfies(req, env) {
			out = append(out, u)
		}
	}
	metadata.SortUnits(out)
	return out, nil
}

// Query returns the units with the given id whose version lies in r. An
// empty id matches every unit.
func (p *Pool) Query(id string, r metadata.VersionRange) []*metadata.InstallableUnit {
	var out []*metadata.InstallableUnit
	for _, u := range p.units {
		if id != "" && u.ID != id {
			continue
		}
		if r.IsIncluded(u.Version) {
			out = append(out, u)
		}
	}
	return out
}

// Latest returns the highest version of id, or nil.
func (p *Pool) Latest(id string) *metadata.InstallableUnit {
	var best *metadata.InstallableUnit
	for _, u := range p.units {
		if u.ID == id && (best == nil || best.Version.LessThan(u.Version)) {
			best = u
		}
	}
	return best
}

// Get returns the unit with key, or nil.
func (p *Pool) Get(key metadata.UnitKey) *metadata.InstallableUnit {
	return p.byKey[key]
}

// Source returns the location of the repository that contributed key.
func (p *Pool) Source(key metadata.UnitKey) string {
	return p.sources[key]
}

// Units returns every unit sorted by id then version.
func (p *Pool) Units() []*metadata.InstallableUnit {
	out := make([]*metadata.InstallableUnit, len(p.units))
	copy(out, p.units)
	return out
}

// Len returns the number of units.
func (p *Pool) Len() int { return len(p.units) }

// LivePool is a CandidatePool whose underlying Pool can be swapped, for
// example by a dropins watcher. Each query sees one consistent Pool.
type LivePool struct {
	mu   sync.RWMutex
	pool *Pool
}

// NewLivePool returns a LivePool serving initial.
func NewLivePool(initial *Pool) *LivePool {
	if initial == nil {
		initial = NewPool()
	}
	return &LivePool{pool: initial}
}

// Current returns the pool being served.
func (l *LivePool) Current() *Pool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pool
}

// Swap replaces the pool being served.
func (l *LivePool) Swap(p *Pool) {
	if p == nil {
		p = NewPool()
	}
	l.mu.Lock()
	l.pool = p
	l.mu.Unlock()
}

// FindProviders implements the planner's CandidatePool.
func (l *LivePool) FindProviders(ctx context.Context, req metadata.Requirement, env map[string]string) ([]*metadata.InstallableUnit, error) {
	return l.Current().FindProviders(ctx, req, env)
}
