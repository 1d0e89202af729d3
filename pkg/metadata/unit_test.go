package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	provided := Capability{Namespace: "java.package", Name: "org.example.api", Version: MustParseVersion("1.4.0")}
	linux := map[string]string{"osgi.os": "linux"}

	req := NewRequirement("java.package", "org.example.api", MustParseVersionRange("[1.0,2.0)"))
	assert.True(t, Matches(req, provided, linux))

	wrongNS := req
	wrongNS.Namespace = "osgi.bundle"
	assert.False(t, Matches(wrongNS, provided, linux))

	wrongCase := req
	wrongCase.Name = "org.example.API"
	assert.False(t, Matches(wrongCase, provided, linux))

	outOfRange := req
	outOfRange.Range = MustParseVersionRange("[2.0,3.0)")
	assert.False(t, Matches(outOfRange, provided, linux))

	filtered := req
	filtered.Filter = MustParseFilter("(osgi.os=win32)")
	assert.False(t, Matches(filtered, provided, linux))
	filtered.Filter = MustParseFilter("(osgi.os=linux)")
	assert.True(t, Matches(filtered, provided, linux))
}

func TestInstallableUnit_SelfCapability(t *testing.T) {
	u := &InstallableUnit{ID: "org.example.core", Version: MustParseVersion("2.1")}

	caps := u.ProvidedCapabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, NamespaceIU, caps[0].Namespace)
	assert.Equal(t, "org.example.core", caps[0].Name)
	assert.Equal(t, "2.1.0", caps[0].Version.String())

	assert.True(t, u.Satisfies(RequireUnit("org.example.core", MustParseVersionRange("[2.0,3.0)")), nil))
	assert.False(t, u.Satisfies(RequireUnit("org.example.core", MustParseVersionRange("[3.0,4.0)")), nil))
}

func TestInstallableUnit_ProvidedCapabilitiesDeduplicatesSelf(t *testing.T) {
	u := &InstallableUnit{
		ID:      "a",
		Version: MustParseVersion("1.0"),
		Provides: []Capability{
			{Namespace: NamespaceIU, Name: "a", Version: MustParseVersion("1.0")},
			{Namespace: "feature", Name: "a.feature", Version: MustParseVersion("1.0")},
		},
	}
	assert.Len(t, u.ProvidedCapabilities(), 2)
}

func TestInstallableUnit_Validate(t *testing.T) {
	ok := &InstallableUnit{
		ID:      "a",
		Version: MustParseVersion("1.0"),
		Requires: []Requirement{
			RequireUnit("b", EmptyRange),
		},
		Instructions: map[string][]Instruction{
			"install": {{Action: "mkdir", Params: map[string]string{"path": "/tmp/a"}}},
		},
	}
	require.NoError(t, ok.Validate())

	noID := ok.Clone()
	noID.ID = ""
	assert.Error(t, noID.Validate())

	noAction := ok.Clone()
	noAction.Instructions["install"][0].Action = ""
	assert.Error(t, noAction.Validate())

	badReq := ok.Clone()
	badReq.Requires[0].Name = ""
	assert.Error(t, badReq.Validate())

	var nilUnit *InstallableUnit
	assert.Error(t, nilUnit.Validate())
}

func TestInstallableUnit_CloneIsDeep(t *testing.T) {
	u := &InstallableUnit{
		ID:           "a",
		Properties:   map[string]string{"k": "v"},
		Instructions: map[string][]Instruction{"install": {{Action: "x", Params: map[string]string{"p": "1"}}}},
	}
	c := u.Clone()
	c.Properties["k"] = "changed"
	c.Instructions["install"][0].Params["p"] = "2"

	assert.Equal(t, "v", u.Properties["k"])
	assert.Equal(t, "1", u.Instructions["install"][0].Params["p"])
}

func TestSortUnits(t *testing.T) {
	units := []*InstallableUnit{
		{ID: "b", Version: MustParseVersion("1.0")},
		{ID: "a", Version: MustParseVersion("2.0")},
		{ID: "a", Version: MustParseVersion("1.0")},
	}
	SortUnits(units)
	assert.Equal(t, []string{"a 1.0.0", "a 2.0.0", "b 1.0.0"}, []string{units[0].String(), units[1].String(), units[2].String()})
}
