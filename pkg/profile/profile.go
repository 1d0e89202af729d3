// Package profile models installed state: immutable timestamped profiles,
// the operands that move a profile from one state to another, and change
// requests expressed against a base profile.
package profile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/openfroyo/director/pkg/metadata"
)

// Reserved profile and per-unit property keys.
const (
	// PropertyRoot marks a unit the user asked for explicitly.
	PropertyRoot = "director.profile.root.iu"
	// PropertyEnvironment holds the comma separated key=value environment
	// used to evaluate requirement filters.
	PropertyEnvironment = "director.environment"
	// PropertyDescription is a free form profile description.
	PropertyDescription = "director.profile.description"
)

// ErrStaleSnapshot reports that a profile moved past the snapshot a change
// was computed against.
var ErrStaleSnapshot = errors.New("profile changed since the base snapshot")

// Profile is a named, timestamped collection of installed units with
// profile-level and per-unit properties. A Profile is never modified after
// construction; every change yields a new Profile.
type Profile struct {
	id             string
	timestamp      int64
	properties     map[string]string
	units          map[metadata.UnitKey]*metadata.InstallableUnit
	unitProperties map[metadata.UnitKey]map[string]string
}

// New builds a profile from its parts. Inputs are copied. Per-unit properties
// for units that are not part of the profile are dropped.
func New(id string, timestamp int64, properties map[string]string, units []*metadata.InstallableUnit, unitProperties map[metadata.UnitKey]map[string]string) (*Profile, error) {
	if id == "" {
		return nil, fmt.Errorf("profile id is required")
	}
	p := &Profile{
		id:             id,
		timestamp:      timestamp,
		properties:     maps.Clone(properties),
		units:          make(map[metadata.UnitKey]*metadata.InstallableUnit, len(units)),
		unitProperties: make(map[metadata.UnitKey]map[string]string),
	}
	if p.properties == nil {
		p.properties = map[string]string{}
	}
	for _, u := range units {
		if u == nil {
			return nil, fmt.Errorf("profile %s: nil unit", id)
		}
		key := u.Key()
		if _, dup := p.units[key]; dup {
			return nil, fmt.Errorf("profile %s: duplicate unit %s", id, key)
		}
		p.units[key] = u
	}
	for key, props := range unitProperties {
		if _, ok := p.units[key]; !ok || len(props) == 0 {
			continue
		}
		p.unitProperties[key] = maps.Clone(props)
	}
	return p, nil
}

// Empty returns a profile without units.
func Empty(id string, properties map[string]string) *Profile {
	p, _ := New(id, 0, properties, nil, nil)
	return p
}

// ID returns the profile id.
func (p *Profile) ID() string { return p.id }

// Timestamp returns the commit timestamp, in milliseconds. Profiles that have
// not been committed have timestamp 0.
func (p *Profile) Timestamp() int64 { return p.timestamp }

// WithTimestamp returns a copy of p carrying ts.
func (p *Profile) WithTimestamp(ts int64) *Profile {
	c := *p
	c.timestamp = ts
	return &c
}

// Properties returns a copy of the profile-level properties.
func (p *Profile) Properties() map[string]string {
	return maps.Clone(p.properties)
}

// Property returns a profile-level property or "".
func (p *Profile) Property(key string) string {
	return p.properties[key]
}

// Environment returns the environment stored on the profile.
func (p *Profile) Environment() map[string]string {
	return ParseEnvironment(p.properties[PropertyEnvironment])
}

// Len returns the number of installed units.
func (p *Profile) Len() int { return len(p.units) }

// Units returns the installed units sorted by id and version.
func (p *Profile) Units() []*metadata.InstallableUnit {
	out := make([]*metadata.InstallableUnit, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, u)
	}
	metadata.SortUnits(out)
	return out
}

// Unit returns the installed unit with key, or nil.
func (p *Profile) Unit(key metadata.UnitKey) *metadata.InstallableUnit {
	return p.units[key]
}

// Contains reports whether a unit with the same identity as u is installed.
func (p *Profile) Contains(u *metadata.InstallableUnit) bool {
	_, ok := p.units[u.Key()]
	return ok
}

// UnitsByID returns installed units with the given id, lowest version first.
func (p *Profile) UnitsByID(id string) []*metadata.InstallableUnit {
	var out []*metadata.InstallableUnit
	for _, u := range p.units {
		if u.ID == id {
			out = append(out, u)
		}
	}
	metadata.SortUnits(out)
	return out
}

// UnitProperties returns a copy of the properties attached to a unit.
func (p *Profile) UnitProperties(key metadata.UnitKey) map[string]string {
	return maps.Clone(p.unitProperties[key])
}

// UnitProperty returns a per-unit property or "".
func (p *Profile) UnitProperty(key metadata.UnitKey, name string) string {
	return p.unitProperties[key][name]
}

// IsRoot reports whether u is installed and marked as a root.
func (p *Profile) IsRoot(u *metadata.InstallableUnit) bool {
	return p.UnitProperty(u.Key(), PropertyRoot) == "true"
}

// Roots returns the root units, sorted.
func (p *Profile) Roots() []*metadata.InstallableUnit {
	var out []*metadata.InstallableUnit
	for _, u := range p.Units() {
		if p.IsRoot(u) {
			out = append(out, u)
		}
	}
	return out
}

// Equal reports whether p and o have the same units and properties. The id
// and timestamp are ignored.
func (p *Profile) Equal(o *Profile) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.units) != len(o.units) || !maps.Equal(p.properties, o.properties) {
		return false
	}
	for key := range p.units {
		if _, ok := o.units[key]; !ok {
			return false
		}
		if !maps.Equal(p.unitProperties[key], o.unitProperties[key]) {
			return false
		}
	}
	return true
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s@%d (%d units)", p.id, p.timestamp, len(p.units))
}

// ParseEnvironment decodes "k=v,k=v" into a map. Malformed entries are
// skipped.
func ParseEnvironment(s string) map[string]string {
	env := map[string]string{}
	for _, entry := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// EncodeEnvironment is the inverse of ParseEnvironment. Keys are sorted.
func EncodeEnvironment(env map[string]string) string {
	keys := slices.Collect(maps.Keys(env))
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+env[k])
	}
	return strings.Join(parts, ",")
}
