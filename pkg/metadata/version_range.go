package metadata

import (
	"fmt"
	"strings"
)

// VersionRange is an interval of versions. The zero value is the empty range,
// which includes every version.
type VersionRange struct {
	lower          Version
	lowerInclusive bool
	upper          Version
	upperInclusive bool
	upperBounded   bool
	defined        bool
}

// EmptyRange includes every version.
var EmptyRange = VersionRange{}

// NewVersionRange returns the range between lower and upper.
func NewVersionRange(lower Version, lowerInclusive bool, upper Version, upperInclusive bool) (VersionRange, error) {
	r := VersionRange{
		lower:          lower,
		lowerInclusive: lowerInclusive,
		upper:          upper,
		upperInclusive: upperInclusive,
		upperBounded:   true,
		defined:        true,
	}
	c := lower.Compare(upper)
	if c > 0 || (c == 0 && !(lowerInclusive && upperInclusive)) {
		return VersionRange{}, fmt.Errorf("invalid version range %s: lower bound exceeds upper bound", r)
	}
	return r, nil
}

// AtLeast returns the range [v, infinity).
func AtLeast(v Version) VersionRange {
	return VersionRange{lower: v, lowerInclusive: true, defined: true}
}

// ExactRange returns the range [v, v].
func ExactRange(v Version) VersionRange {
	return VersionRange{
		lower:          v,
		lowerInclusive: true,
		upper:          v,
		upperInclusive: true,
		upperBounded:   true,
		defined:        true,
	}
}

// ParseVersionRange parses "[1.0,2.0)" style intervals. A bare version "1.0"
// means [1.0, infinity) and an empty string is the empty range.
func ParseVersionRange(s string) (VersionRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmptyRange, nil
	}

	first := s[0]
	if first != '[' && first != '(' {
		v, err := ParseVersion(s)
		if err != nil {
			return VersionRange{}, fmt.Errorf("invalid version range %q: %w", s, err)
		}
		return AtLeast(v), nil
	}

	last := s[len(s)-1]
	if last != ']' && last != ')' {
		return VersionRange{}, fmt.Errorf("invalid version range %q: missing closing bracket", s)
	}
	bounds := strings.Split(s[1:len(s)-1], ",")
	if len(bounds) != 2 {
		return VersionRange{}, fmt.Errorf("invalid version range %q: expected two bounds", s)
	}

	lower, err := ParseVersion(bounds[0])
	if err != nil {
		return VersionRange{}, fmt.Errorf("invalid version range %q: %w", s, err)
	}
	if strings.TrimSpace(bounds[1]) == "" {
		return VersionRange{}, fmt.Errorf("invalid version range %q: missing upper bound", s)
	}
	upper, err := ParseVersion(bounds[1])
	if err != nil {
		return VersionRange{}, fmt.Errorf("invalid version range %q: %w", s, err)
	}
	return NewVersionRange(lower, first == '[', upper, last == ']')
}

// MustParseVersionRange is like ParseVersionRange but panics on error.
func MustParseVersionRange(s string) VersionRange {
	r, err := ParseVersionRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// IsEmpty reports whether r is the empty range.
func (r VersionRange) IsEmpty() bool {
	return !r.defined
}

// IsExact reports whether r selects exactly one version.
func (r VersionRange) IsExact() bool {
	return r.defined && r.upperBounded && r.lowerInclusive && r.upperInclusive && r.lower.Equal(r.upper)
}

// Lower returns the lower bound and whether it is inclusive.
func (r VersionRange) Lower() (Version, bool) {
	if !r.defined {
		return EmptyVersion, true
	}
	return r.lower, r.lowerInclusive
}

// Upper returns the upper bound, whether it is inclusive and whether the
// range is bounded above at all.
func (r VersionRange) Upper() (v Version, inclusive bool, bounded bool) {
	return r.upper, r.upperInclusive, r.defined && r.upperBounded
}

// IsIncluded reports whether v lies inside r.
func (r VersionRange) IsIncluded(v Version) bool {
	if !r.defined {
		return true
	}
	c := v.Compare(r.lower)
	if c < 0 || (c == 0 && !r.lowerInclusive) {
		return false
	}
	if !r.upperBounded {
		return true
	}
	c = v.Compare(r.upper)
	return c < 0 || (c == 0 && r.upperInclusive)
}

func (r VersionRange) String() string {
	if !r.defined {
		return EmptyVersion.String()
	}
	if !r.upperBounded {
		return r.lower.String()
	}
	open, closing := "(", ")"
	if r.lowerInclusive {
		open = "["
	}
	if r.upperInclusive {
		closing = "]"
	}
	return open + r.lower.String() + "," + r.upper.String() + closing
}

// MarshalText implements encoding.TextMarshaler.
func (r VersionRange) MarshalText() ([]byte, error) {
	if !r.defined {
		return []byte{}, nil
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *VersionRange) UnmarshalText(text []byte) error {
	parsed, err := ParseVersionRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
