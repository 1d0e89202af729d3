package profile

import (
	"fmt"

	"github.com/openfroyo/director/pkg/metadata"
)

// Snapshot is the serializable form of a Profile.
type Snapshot struct {
	ID         string            `json:"id"`
	Timestamp  int64             `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
	Units      []SnapshotUnit    `json:"units,omitempty"`
}

// SnapshotUnit is an installed unit with its per-unit properties.
type SnapshotUnit struct {
	Unit       *metadata.InstallableUnit `json:"unit"`
	Properties map[string]string         `json:"properties,omitempty"`
}

// Snapshot returns the serializable form of p. Units are sorted.
func (p *Profile) Snapshot() Snapshot {
	s := Snapshot{ID: p.id, Timestamp: p.timestamp, Properties: p.Properties()}
	for _, u := range p.Units() {
		s.Units = append(s.Units, SnapshotUnit{Unit: u, Properties: p.UnitProperties(u.Key())})
	}
	return s
}

// FromSnapshot rebuilds a Profile.
func FromSnapshot(s Snapshot) (*Profile, error) {
	units := make([]*metadata.InstallableUnit, 0, len(s.Units))
	props := make(map[metadata.UnitKey]map[string]string)
	for _, su := range s.Units {
		if su.Unit == nil {
			return nil, fmt.Errorf("profile %s@%d: snapshot entry without unit", s.ID, s.Timestamp)
		}
		units = append(units, su.Unit)
		if len(su.Properties) > 0 {
			props[su.Unit.Key()] = su.Properties
		}
	}
	return New(s.ID, s.Timestamp, s.Properties, units, props)
}
