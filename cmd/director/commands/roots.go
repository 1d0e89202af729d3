package commands

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/repository"
)

// rootToken is one id[/version] argument. A zero Version matches any version.
type rootToken struct {
	ID      string
	Version *metadata.Version
}

func (t rootToken) String() string {
	if t.Version == nil {
		return t.ID
	}
	return t.ID + "/" + t.Version.String()
}

func (t rootToken) matches(u *metadata.InstallableUnit) bool {
	return u.ID == t.ID && (t.Version == nil || u.Version.Equal(*t.Version))
}

// parseRoots splits arguments of the form "a,b/1.0" into tokens.
func parseRoots(args []string) ([]rootToken, error) {
	var tokens []rootToken
	for _, arg := range args {
		for _, raw := range strings.Split(arg, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, ver, hasVersion := strings.Cut(raw, "/")
			id = strings.TrimSpace(id)
			if id == "" {
				return nil, fmt.Errorf("invalid unit %q: missing id", raw)
			}
			tok := rootToken{ID: id}
			if hasVersion && strings.TrimSpace(ver) != "" {
				v, err := metadata.ParseVersion(strings.TrimSpace(ver))
				if err != nil {
					return nil, fmt.Errorf("invalid unit %q: %w", raw, err)
				}
				tok.Version = &v
			}
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no units given")
	}
	return tokens, nil
}

func missingUnit(tok rootToken) error {
	return engine.NewResolutionError(fmt.Sprintf("Missing IU %s", tok), nil).
		WithCode(engine.ErrCodeUnsatisfiedRequirement).
		WithUnit(tok.String())
}

// highest returns the highest version among units matching tok.
func highest(units []*metadata.InstallableUnit, tok rootToken) *metadata.InstallableUnit {
	var best *metadata.InstallableUnit
	for _, u := range units {
		if tok.matches(u) && (best == nil || best.Version.LessThan(u.Version)) {
			best = u
		}
	}
	return best
}

// resolveInstallRoots picks, for each token, the highest matching unit in
// the pool, falling back to the profile. Every missing token is reported.
func resolveInstallRoots(tokens []rootToken, pool *repository.Pool, prof *profile.Profile) ([]*metadata.InstallableUnit, error) {
	var units []*metadata.InstallableUnit
	var result *multierror.Error
	for _, tok := range tokens {
		var u *metadata.InstallableUnit
		if tok.Version == nil {
			u = pool.Latest(tok.ID)
		} else {
			u = highest(pool.Query(tok.ID, metadata.ExactRange(*tok.Version)), tok)
		}
		if u == nil {
			u = highest(prof.UnitsByID(tok.ID), tok)
		}
		if u == nil {
			result = multierror.Append(result, missingUnit(tok))
			continue
		}
		units = append(units, u)
	}
	return units, result.ErrorOrNil()
}

// resolveUninstallRoots looks tokens up in the profile. A token without a
// version selects every installed version of the id.
func resolveUninstallRoots(tokens []rootToken, prof *profile.Profile) ([]*metadata.InstallableUnit, error) {
	var units []*metadata.InstallableUnit
	var result *multierror.Error
	for _, tok := range tokens {
		found := false
		for _, u := range prof.UnitsByID(tok.ID) {
			if tok.matches(u) {
				units = append(units, u)
				found = true
			}
		}
		if !found {
			result = multierror.Append(result, missingUnit(tok))
		}
	}
	return units, result.ErrorOrNil()
}

// installRequest marks units as roots. Installing another version of an
// installed id replaces the installed version.
func installRequest(prof *profile.Profile, units []*metadata.InstallableUnit) *profile.ChangeRequest {
	req := profile.NewChangeRequest(prof.ID())
	for _, u := range units {
		req.AddRoot(u)
	}
	for _, u := range units {
		for _, installed := range prof.UnitsByID(u.ID) {
			if installed.Key() != u.Key() && !requested(units, installed) {
				req.Remove(installed)
			}
		}
	}
	return req
}

// updateRequest replaces every root of prof that has a newer version in
// pool with that version.
func updateRequest(prof *profile.Profile, pool *repository.Pool) *profile.ChangeRequest {
	var newer []*metadata.InstallableUnit
	for _, root := range prof.Roots() {
		if latest := pool.Latest(root.ID); latest != nil && root.Version.LessThan(latest.Version) {
			newer = append(newer, latest)
		}
	}
	return installRequest(prof, newer)
}

func requested(units []*metadata.InstallableUnit, u *metadata.InstallableUnit) bool {
	for _, r := range units {
		if r.Key() == u.Key() {
			return true
		}
	}
	return false
}

func uninstallRequest(prof *profile.Profile, units []*metadata.InstallableUnit) *profile.ChangeRequest {
	req := profile.NewChangeRequest(prof.ID())
	for _, u := range units {
		req.Remove(u)
	}
	return req
}
