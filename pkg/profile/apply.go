package profile

import (
	"fmt"
	"maps"

	"github.com/openfroyo/director/pkg/metadata"
)

// Apply returns the profile obtained by applying operands and property
// changes to base. The result is uncommitted (timestamp 0). On update the
// per-unit properties of the old unit carry over to the new one.
func Apply(base *Profile, operands []Operand, changes PropertyChanges) (*Profile, error) {
	units := maps.Clone(base.units)
	unitProps := make(map[metadata.UnitKey]map[string]string, len(base.unitProperties))
	for k, v := range base.unitProperties {
		unitProps[k] = maps.Clone(v)
	}

	for _, op := range operands {
		switch op.Kind() {
		case OperandInstall:
			key := op.After.Key()
			if _, ok := units[key]; ok {
				return nil, fmt.Errorf("cannot install %s: already installed", op.After)
			}
			units[key] = op.After
		case OperandUninstall:
			key := op.Before.Key()
			if _, ok := units[key]; !ok {
				return nil, fmt.Errorf("cannot uninstall %s: not installed", op.Before)
			}
			delete(units, key)
			delete(unitProps, key)
		case OperandUpdate:
			from, to := op.Before.Key(), op.After.Key()
			if _, ok := units[from]; !ok {
				return nil, fmt.Errorf("cannot update %s: not installed", op.Before)
			}
			if _, ok := units[to]; ok {
				return nil, fmt.Errorf("cannot update to %s: already installed", op.After)
			}
			delete(units, from)
			units[to] = op.After
			if props, ok := unitProps[from]; ok {
				unitProps[to] = props
				delete(unitProps, from)
			}
		default:
			return nil, fmt.Errorf("cannot apply %s", op)
		}
	}

	props := maps.Clone(base.properties)
	if props == nil {
		props = map[string]string{}
	}
	for _, k := range changes.RemoveProfile {
		delete(props, k)
	}
	maps.Copy(props, changes.SetProfile)

	for _, uc := range changes.Units {
		if _, ok := units[uc.Unit]; !ok {
			continue
		}
		current := unitProps[uc.Unit]
		if current == nil {
			current = map[string]string{}
		}
		for _, k := range uc.Remove {
			delete(current, k)
		}
		maps.Copy(current, uc.Set)
		unitProps[uc.Unit] = current
	}

	list := make([]*metadata.InstallableUnit, 0, len(units))
	for _, u := range units {
		list = append(list, u)
	}
	return New(base.id, 0, props, list, unitProps)
}
