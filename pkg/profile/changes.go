package profile

import (
	"fmt"
	"maps"
	"slices"

	"github.com/openfroyo/director/pkg/metadata"
)

// UnitPropertyChange sets and removes properties of one unit.
type UnitPropertyChange struct {
	Unit   metadata.UnitKey  `json:"unit"`
	Set    map[string]string `json:"set,omitempty"`
	Remove []string          `json:"remove,omitempty"`
}

// PropertyChanges are the property edits carried by a change request and by
// the plan computed from it.
type PropertyChanges struct {
	SetProfile    map[string]string    `json:"setProfile,omitempty"`
	RemoveProfile []string             `json:"removeProfile,omitempty"`
	Units         []UnitPropertyChange `json:"units,omitempty"`
}

// IsEmpty reports whether c changes nothing.
func (c PropertyChanges) IsEmpty() bool {
	return len(c.SetProfile) == 0 && len(c.RemoveProfile) == 0 && len(c.Units) == 0
}

// Clone returns a deep copy of c.
func (c PropertyChanges) Clone() PropertyChanges {
	out := PropertyChanges{
		SetProfile:    maps.Clone(c.SetProfile),
		RemoveProfile: slices.Clone(c.RemoveProfile),
	}
	for _, u := range c.Units {
		out.Units = append(out.Units, UnitPropertyChange{Unit: u.Unit, Set: maps.Clone(u.Set), Remove: slices.Clone(u.Remove)})
	}
	return out
}

// Merge applies the edits of other after those of c. An edit in other
// replaces any edit of the same key in c, so a later removal wins over an
// earlier assignment and the reverse.
func (c PropertyChanges) Merge(other PropertyChanges) PropertyChanges {
	out := c.Clone()
	for _, k := range other.RemoveProfile {
		out.removeProfileProperty(k)
	}
	for k, v := range other.SetProfile {
		out.setProfileProperty(k, v)
	}
	for _, u := range other.Units {
		for _, name := range u.Remove {
			out.RemoveUnitProperty(u.Unit, name)
		}
		for name, v := range u.Set {
			out.SetUnitProperty(u.Unit, name, v)
		}
	}
	return out
}

func (c *PropertyChanges) setProfileProperty(key, value string) {
	if c.SetProfile == nil {
		c.SetProfile = map[string]string{}
	}
	c.SetProfile[key] = value
	c.RemoveProfile = slices.DeleteFunc(c.RemoveProfile, func(s string) bool { return s == key })
}

func (c *PropertyChanges) removeProfileProperty(key string) {
	delete(c.SetProfile, key)
	if !slices.Contains(c.RemoveProfile, key) {
		c.RemoveProfile = append(c.RemoveProfile, key)
	}
}

func (c *PropertyChanges) unit(key metadata.UnitKey) *UnitPropertyChange {
	for i := range c.Units {
		if c.Units[i].Unit == key {
			return &c.Units[i]
		}
	}
	c.Units = append(c.Units, UnitPropertyChange{Unit: key})
	return &c.Units[len(c.Units)-1]
}

// SetUnitProperty records a per-unit property assignment.
func (c *PropertyChanges) SetUnitProperty(key metadata.UnitKey, name, value string) {
	uc := c.unit(key)
	if uc.Set == nil {
		uc.Set = map[string]string{}
	}
	uc.Set[name] = value
	uc.Remove = slices.DeleteFunc(uc.Remove, func(s string) bool { return s == name })
}

// RemoveUnitProperty records a per-unit property removal.
func (c *PropertyChanges) RemoveUnitProperty(key metadata.UnitKey, name string) {
	uc := c.unit(key)
	delete(uc.Set, name)
	if !slices.Contains(uc.Remove, name) {
		uc.Remove = append(uc.Remove, name)
	}
}

// ChangeRequest asks for units to be added to or removed from a profile and
// for property edits, relative to the profile's current state.
type ChangeRequest struct {
	ProfileID  string                      `json:"profileId"`
	ToAdd      []*metadata.InstallableUnit `json:"toAdd,omitempty"`
	ToRemove   []*metadata.InstallableUnit `json:"toRemove,omitempty"`
	Properties PropertyChanges             `json:"properties"`
}

// NewChangeRequest returns an empty request against profileID.
func NewChangeRequest(profileID string) *ChangeRequest {
	return &ChangeRequest{ProfileID: profileID}
}

// Add requests u to be installed.
func (r *ChangeRequest) Add(u *metadata.InstallableUnit) *ChangeRequest {
	if !containsKey(r.ToAdd, u.Key()) {
		r.ToAdd = append(r.ToAdd, u)
	}
	return r
}

// AddRoot requests u to be installed and marked as a root.
func (r *ChangeRequest) AddRoot(u *metadata.InstallableUnit) *ChangeRequest {
	r.Add(u)
	r.Properties.SetUnitProperty(u.Key(), PropertyRoot, "true")
	return r
}

// Remove requests u to be uninstalled.
func (r *ChangeRequest) Remove(u *metadata.InstallableUnit) *ChangeRequest {
	if !containsKey(r.ToRemove, u.Key()) {
		r.ToRemove = append(r.ToRemove, u)
	}
	r.Properties.RemoveUnitProperty(u.Key(), PropertyRoot)
	return r
}

// SetProfileProperty requests a profile-level property assignment.
func (r *ChangeRequest) SetProfileProperty(key, value string) *ChangeRequest {
	r.Properties.setProfileProperty(key, value)
	return r
}

// RemoveProfileProperty requests a profile-level property removal.
func (r *ChangeRequest) RemoveProfileProperty(key string) *ChangeRequest {
	r.Properties.removeProfileProperty(key)
	return r
}

// SetUnitProperty requests a per-unit property assignment.
func (r *ChangeRequest) SetUnitProperty(u *metadata.InstallableUnit, key, value string) *ChangeRequest {
	r.Properties.SetUnitProperty(u.Key(), key, value)
	return r
}

// RemoveUnitProperty requests a per-unit property removal.
func (r *ChangeRequest) RemoveUnitProperty(u *metadata.InstallableUnit, key string) *ChangeRequest {
	r.Properties.RemoveUnitProperty(u.Key(), key)
	return r
}

// Validate checks that the request is well formed.
func (r *ChangeRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("change request is nil")
	}
	if r.ProfileID == "" {
		return fmt.Errorf("change request has no profile id")
	}
	for _, u := range r.ToAdd {
		if err := u.Validate(); err != nil {
			return err
		}
		if containsKey(r.ToRemove, u.Key()) {
			return fmt.Errorf("unit %s is both added and removed", u)
		}
	}
	for _, u := range r.ToRemove {
		if u == nil {
			return fmt.Errorf("change request removes a nil unit")
		}
	}
	return nil
}

// IsEmpty reports whether the request asks for nothing.
func (r *ChangeRequest) IsEmpty() bool {
	return len(r.ToAdd) == 0 && len(r.ToRemove) == 0 && r.Properties.IsEmpty()
}

// DiffRoots builds a request that makes the roots of current equal to
// desired. Units already installed as roots are left alone; a root no longer
// desired is removed.
func DiffRoots(current *Profile, desired []*metadata.InstallableUnit) *ChangeRequest {
	r := NewChangeRequest(current.ID())
	want := make(map[metadata.UnitKey]bool, len(desired))
	for _, u := range desired {
		want[u.Key()] = true
		if current.Contains(u) && current.IsRoot(u) {
			continue
		}
		if current.Contains(u) {
			r.SetUnitProperty(u, PropertyRoot, "true")
			continue
		}
		r.AddRoot(u)
	}
	for _, u := range current.Roots() {
		if !want[u.Key()] {
			r.Remove(u)
		}
	}
	return r
}

func containsKey(units []*metadata.InstallableUnit, key metadata.UnitKey) bool {
	return slices.ContainsFunc(units, func(u *metadata.InstallableUnit) bool { return u.Key() == key })
}
