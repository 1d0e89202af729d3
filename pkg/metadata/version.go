package metadata

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a totally ordered unit version of the form
// major.minor.micro[.qualifier]. The numeric part is parsed by semver, and a
// trailing qualifier segment is compared lexically after it (an absent
// qualifier sorts first). The zero Version is 0.0.0.
type Version struct {
	sv        *semver.Version
	qualifier string
}

// EmptyVersion is the version used when none is specified.
var EmptyVersion = Version{}

var zeroSemver = semver.New(0, 0, 0, "", "")

// ParseVersion parses s. An empty string yields EmptyVersion.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmptyVersion, nil
	}

	base, qualifier := s, ""
	if parts := strings.SplitN(s, ".", 4); len(parts) == 4 && numeric(parts[0]) && numeric(parts[1]) && numeric(parts[2]) {
		base = strings.Join(parts[:3], ".")
		qualifier = parts[3]
		if qualifier == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty qualifier", s)
		}
	}

	sv, err := semver.NewVersion(base)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return Version{sv: sv, qualifier: qualifier}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func numeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (v Version) base() *semver.Version {
	if v.sv == nil {
		return zeroSemver
	}
	return v.sv
}

// Qualifier returns the trailing qualifier segment, if any.
func (v Version) Qualifier() string {
	return v.qualifier
}

// Compare returns -1, 0 or 1 when v is lower than, equal to or higher than o.
func (v Version) Compare(o Version) int {
	if c := v.base().Compare(o.base()); c != 0 {
		return c
	}
	return strings.Compare(v.qualifier, o.qualifier)
}

// Equal reports whether v and o denote the same version.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// LessThan reports whether v sorts before o.
func (v Version) LessThan(o Version) bool {
	return v.Compare(o) < 0
}

func (v Version) String() string {
	b := v.base()
	s := fmt.Sprintf("%d.%d.%d", b.Major(), b.Minor(), b.Patch())
	if pre := b.Prerelease(); pre != "" {
		s += "-" + pre
	}
	if v.qualifier != "" {
		s += "." + v.qualifier
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
