package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateFilter(t *testing.T) {
	env := map[string]string{
		"osgi.os":   "linux",
		"osgi.arch": "x86_64",
		"osgi.ws":   "gtk",
		"level":     "5",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "empty", expr: "", want: true},
		{name: "equal", expr: "(osgi.os=linux)", want: true},
		{name: "not equal", expr: "(osgi.os=win32)", want: false},
		{name: "and", expr: "(&(osgi.os=linux)(osgi.arch=x86_64))", want: true},
		{name: "and one false", expr: "(&(osgi.os=linux)(osgi.arch=aarch64))", want: false},
		{name: "or", expr: "(|(osgi.os=win32)(osgi.os=linux))", want: true},
		{name: "not", expr: "(!(osgi.os=win32))", want: true},
		{name: "greater or equal", expr: "(level>=3)", want: true},
		{name: "less or equal", expr: "(level<=3)", want: false},
		{name: "approx", expr: "(osgi.ws~=GTK)", want: true},
		{name: "presence", expr: "(osgi.ws=*)", want: true},
		{name: "substring", expr: "(osgi.arch=x86*)", want: true},
		{name: "substring middle", expr: "(osgi.arch=*86_*)", want: true},
		{name: "substring miss", expr: "(osgi.arch=arm*)", want: false},
		{name: "unknown key", expr: "(missing=1)", want: false},
		{name: "unknown key ge", expr: "(missing>=1)", want: false},
		{name: "unknown key presence", expr: "(missing=*)", want: false},
		{name: "nested", expr: "(&(|(osgi.os=macosx)(osgi.os=linux))(!(osgi.ws=cocoa)))", want: true},
		{name: "spaces", expr: " (& (osgi.os=linux) (osgi.ws=gtk) ) ", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateFilter(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateFilter_Escapes(t *testing.T) {
	got, err := EvaluateFilter(`(name=a\(b\)\*)`, map[string]string{"name": "a(b)*"})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseFilter_Errors(t *testing.T) {
	for _, expr := range []string{
		"osgi.os=linux",
		"(osgi.os=linux",
		"(&)",
		"(=linux)",
		"(osgi.os>linux)",
		"(osgi.os>=lin*)",
		"(a=1)(b=2)",
		`(a=1\`,
	} {
		_, err := ParseFilter(expr)
		assert.Error(t, err, expr)
	}
}

func TestFilter_NilMatches(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match(nil))
	assert.Equal(t, "", f.String())
}

func TestFilter_TextRoundTrip(t *testing.T) {
	f := MustParseFilter("(osgi.os=linux)")
	text, err := f.MarshalText()
	require.NoError(t, err)

	var out Filter
	require.NoError(t, out.UnmarshalText(text))
	assert.True(t, out.Match(map[string]string{"osgi.os": "linux"}))
	assert.False(t, out.Match(map[string]string{"osgi.os": "win32"}))
}
