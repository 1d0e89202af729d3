package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/director/pkg/metadata"
	"github.com/openfroyo/director/pkg/profile"
)

// installed builds a committed profile holding roots (marked as roots) and
// others.
func installed(t *testing.T, ts int64, roots []*metadata.InstallableUnit, others ...*metadata.InstallableUnit) *profile.Profile {
	t.Helper()
	unitProps := make(map[metadata.UnitKey]map[string]string)
	units := append([]*metadata.InstallableUnit(nil), roots...)
	for _, u := range roots {
		unitProps[u.Key()] = map[string]string{profile.PropertyRoot: "true"}
	}
	units = append(units, others...)
	p, err := profile.New("p", ts, nil, units, unitProps)
	if err != nil {
		t.Fatalf("profile.New() error = %v", err)
	}
	return p
}

func TestPlannerInstallsTransitiveDependencies(t *testing.T) {
	a := iu("a", "1.0.0", needs("b", "[1.0.0,2.0.0)"))
	pool := &mockPool{units: []*metadata.InstallableUnit{
		a,
		iu("b", "1.0.0"),
		iu("b", "1.5.0", needs("c", "1.0.0")),
		iu("b", "2.0.0"),
		iu("c", "1.0.0"),
	}}
	planner := NewPlanner(pool, PlannerOptions{})

	current := installed(t, 1, nil)
	plan := planner.Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a), current, nil)

	if !plan.Status.IsOK() {
		t.Fatalf("Plan() status = %s", plan.Status)
	}
	want := []string{"install c 1.0.0", "install b 1.5.0", "install a 1.0.0"}
	if diff := cmp.Diff(want, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
	if plan.Summary.ToInstall != 3 || plan.Summary.Total() != 3 {
		t.Errorf("Summary = %+v", plan.Summary)
	}
	if plan.BaseTimestamp != 1 || plan.ProfileID != "p" || plan.Kind != PlanKindResolve {
		t.Errorf("plan header = %s@%d kind %s", plan.ProfileID, plan.BaseTimestamp, plan.Kind)
	}
	if plan.PropertyChanges.Units[0].Set[profile.PropertyRoot] != "true" {
		t.Errorf("root marker not carried into plan: %+v", plan.PropertyChanges)
	}
}

func TestPlannerSelectsHighestVersion(t *testing.T) {
	a := iu("a", "1.0.0", needs("c", "1.0.0"))
	pool := &mockPool{units: []*metadata.InstallableUnit{iu("c", "1.0.0"), iu("c", "2.0.0"), a}}

	plan := NewPlanner(pool, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), nil)

	want := []string{"install c 2.0.0", "install a 1.0.0"}
	if diff := cmp.Diff(want, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestPlannerRanksByCapabilityVersion(t *testing.T) {
	exported := func(u *metadata.InstallableUnit, version string) *metadata.InstallableUnit {
		u.Provides = []metadata.Capability{{Namespace: "java.package", Name: "org.example", Version: metadata.MustParseVersion(version)}}
		return u
	}
	a := iu("a", "1.0.0", metadata.NewRequirement("java.package", "org.example", metadata.MustParseVersionRange("[1.0.0,3.0.0)")))

	tests := []struct {
		name string
		pool []*metadata.InstallableUnit
		want string
	}{
		{
			name: "newer capability beats newer unit",
			pool: []*metadata.InstallableUnit{exported(iu("old", "5.0.0"), "1.0.0"), exported(iu("newer", "1.0.0"), "2.0.0")},
			want: "install newer 1.0.0",
		},
		{
			name: "capability outside the range is ignored",
			pool: []*metadata.InstallableUnit{exported(iu("future", "1.0.0"), "3.0.0"), exported(iu("current", "1.0.0"), "2.5.0")},
			want: "install current 1.0.0",
		},
		{
			name: "equal capabilities fall back to the unit version",
			pool: []*metadata.InstallableUnit{exported(iu("alpha", "1.0.0"), "2.0.0"), exported(iu("beta", "2.0.0"), "2.0.0")},
			want: "install beta 2.0.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := NewPlanner(&mockPool{units: tt.pool}, PlannerOptions{}).
				Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), nil)
			if !plan.Status.IsOK() {
				t.Fatalf("Plan() status = %s", plan.Status)
			}
			if diff := cmp.Diff([]string{tt.want, "install a 1.0.0"}, operandStrings(plan.Operands)); diff != "" {
				t.Errorf("operands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlannerTieBreaksOnID(t *testing.T) {
	// both providers expose the same capability at the same version
	capability := metadata.Capability{Namespace: "java.package", Name: "org.example", Version: metadata.MustParseVersion("1.0.0")}
	zeta := iu("zeta", "1.0.0")
	zeta.Provides = []metadata.Capability{capability}
	alpha := iu("alpha", "1.0.0")
	alpha.Provides = []metadata.Capability{capability}

	a := iu("a", "1.0.0", metadata.NewRequirement("java.package", "org.example", metadata.EmptyRange))
	pool := &mockPool{units: []*metadata.InstallableUnit{zeta, alpha}}

	plan := NewPlanner(pool, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), nil)

	want := []string{"install alpha 1.0.0", "install a 1.0.0"}
	if diff := cmp.Diff(want, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestPlannerUnsatisfiedRequirement(t *testing.T) {
	a := iu("a", "1.0.0", needs("missing", "[1.0.0,2.0.0)"), needs("gone", "1.0.0"))
	plan := NewPlanner(&mockPool{}, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), nil)

	if plan.Status.IsOK() {
		t.Fatal("Plan() succeeded, want unsatisfied requirement")
	}
	if len(plan.Operands) != 0 {
		t.Errorf("failed plan has %d operands", len(plan.Operands))
	}
	if !plan.Status.HasCode(ErrCodeUnsatisfiedRequirement) {
		t.Errorf("status lacks %s:\n%s", ErrCodeUnsatisfiedRequirement, plan.Status)
	}
	// every missing requirement is reported, not just the first
	if got := len(plan.Status.Children); got != 2 {
		t.Errorf("status children = %d, want 2:\n%s", got, plan.Status)
	}
	if !strings.Contains(plan.Status.String(), "missing requirement: a 1.0.0 requires") {
		t.Errorf("status does not name the requirement:\n%s", plan.Status)
	}
}

func TestPlannerIsDeterministic(t *testing.T) {
	pool := &mockPool{units: []*metadata.InstallableUnit{
		iu("x", "1.0.0", needs("y", "1.0.0"), needs("z", "1.0.0")),
		iu("y", "1.0.0", needs("z", "1.0.0")),
		iu("z", "1.0.0"),
		iu("z", "1.1.0"),
		iu("w", "3.0.0", needs("y", "1.0.0")),
	}}
	req := profile.NewChangeRequest("p").AddRoot(pool.units[0]).AddRoot(pool.units[4])
	planner := NewPlanner(pool, PlannerOptions{})
	current := installed(t, 1, nil)

	first := operandStrings(planner.Plan(context.Background(), req, current, nil).Operands)
	for i := 0; i < 10; i++ {
		again := operandStrings(planner.Plan(context.Background(), req, current, nil).Operands)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
	want := []string{"install z 1.1.0", "install y 1.0.0", "install w 3.0.0", "install x 1.0.0"}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestPlannerSingletonConflict(t *testing.T) {
	s1 := iu("s", "1.0.0")
	s1.Singleton = true
	s2 := iu("s", "2.0.0")
	s2.Singleton = true

	plan := NewPlanner(&mockPool{}, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(s2), installed(t, 1, []*metadata.InstallableUnit{s1}), nil)

	if plan.Status.IsOK() || !plan.Status.HasCode(ErrCodeSingletonConflict) {
		t.Fatalf("status = %s, want %s", plan.Status, ErrCodeSingletonConflict)
	}
	if len(plan.Operands) != 0 {
		t.Errorf("failed plan has %d operands", len(plan.Operands))
	}
}

func TestPlannerSingletonConflictThroughRequirements(t *testing.T) {
	s1 := iu("s", "1.0.0")
	s1.Singleton = true
	s2 := iu("s", "2.0.0")
	s2.Singleton = true
	x := iu("x", "1.0.0", needs("s", "[1.0.0,2.0.0)"))
	y := iu("y", "1.0.0", needs("s", "[2.0.0,3.0.0)"))
	pool := &mockPool{units: []*metadata.InstallableUnit{s1, s2, x, y}}

	tests := []struct {
		name    string
		req     *profile.ChangeRequest
		current *profile.Profile
	}{
		{
			name:    "both versions pulled by new roots",
			req:     profile.NewChangeRequest("p").AddRoot(x).AddRoot(y),
			current: installed(t, 1, nil),
		},
		{
			name:    "direct root against a pulled version",
			req:     profile.NewChangeRequest("p").AddRoot(s1).AddRoot(y),
			current: installed(t, 1, nil),
		},
		{
			name:    "installed dependency against a pulled version",
			req:     profile.NewChangeRequest("p").AddRoot(y),
			current: installed(t, 1, []*metadata.InstallableUnit{x}, s1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := NewPlanner(pool, PlannerOptions{}).Plan(context.Background(), tt.req, tt.current, nil)
			if plan.Status.IsOK() || !plan.Status.HasCode(ErrCodeSingletonConflict) {
				t.Fatalf("status = %s, want %s", plan.Status, ErrCodeSingletonConflict)
			}
			if len(plan.Operands) != 0 {
				t.Errorf("failed plan has %d operands", len(plan.Operands))
			}
		})
	}
}

func TestPlannerReplacesUnitAsUpdate(t *testing.T) {
	s1 := iu("s", "1.0.0")
	s1.Singleton = true
	s2 := iu("s", "2.0.0")
	s2.Singleton = true

	req := profile.NewChangeRequest("p").Remove(s1).AddRoot(s2)
	plan := NewPlanner(&mockPool{}, PlannerOptions{}).
		Plan(context.Background(), req, installed(t, 1, []*metadata.InstallableUnit{s1}), nil)

	if !plan.Status.IsOK() {
		t.Fatalf("Plan() status = %s", plan.Status)
	}
	if diff := cmp.Diff([]string{"update s 1.0.0 -> 2.0.0"}, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
	if plan.Summary.ToUpdate != 1 {
		t.Errorf("Summary = %+v", plan.Summary)
	}
}

func TestPlannerCascadesUninstall(t *testing.T) {
	c := iu("c", "1.0.0")
	b := iu("b", "1.0.0", needs("c", "1.0.0"))
	a := iu("a", "1.0.0", needs("b", "1.0.0"))
	keep := iu("keep", "1.0.0")
	current := installed(t, 1, []*metadata.InstallableUnit{a, keep}, b, c)

	plan := NewPlanner(&mockPool{}, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").Remove(a), current, nil)

	if !plan.Status.IsOK() {
		t.Fatalf("Plan() status = %s", plan.Status)
	}
	want := []string{"uninstall a 1.0.0", "uninstall b 1.0.0", "uninstall c 1.0.0"}
	if diff := cmp.Diff(want, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestPlannerKeepsSharedDependency(t *testing.T) {
	shared := iu("shared", "1.0.0")
	a := iu("a", "1.0.0", needs("shared", "1.0.0"))
	b := iu("b", "1.0.0", needs("shared", "1.0.0"))
	current := installed(t, 1, []*metadata.InstallableUnit{a, b}, shared)

	plan := NewPlanner(&mockPool{}, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").Remove(a), current, nil)

	if diff := cmp.Diff([]string{"uninstall a 1.0.0"}, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestPlannerOptionalRequirements(t *testing.T) {
	optional := needs("extra", "1.0.0")
	optional.Optional = true
	a := iu("a", "1.0.0", optional)
	pool := &mockPool{units: []*metadata.InstallableUnit{iu("extra", "1.0.0")}}
	req := profile.NewChangeRequest("p").AddRoot(a)

	plan := NewPlanner(pool, PlannerOptions{}).Plan(context.Background(), req, installed(t, 1, nil), nil)
	if diff := cmp.Diff([]string{"install a 1.0.0"}, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("default policy (-want +got):\n%s", diff)
	}

	plan = NewPlanner(pool, PlannerOptions{KeepOptional: true}).Plan(context.Background(), req, installed(t, 1, nil), nil)
	if diff := cmp.Diff([]string{"install extra 1.0.0", "install a 1.0.0"}, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("KeepOptional (-want +got):\n%s", diff)
	}

	// a missing optional provider is not an error
	plan = NewPlanner(&mockPool{}, PlannerOptions{KeepOptional: true}).Plan(context.Background(), req, installed(t, 1, nil), nil)
	if !plan.Status.IsOK() {
		t.Errorf("missing optional provider failed the plan: %s", plan.Status)
	}
}

func TestPlannerEvaluatesFilters(t *testing.T) {
	linuxOnly := needs("native", "1.0.0")
	linuxOnly.Filter = metadata.MustParseFilter("(osgi.os=linux)")
	a := iu("a", "1.0.0", linuxOnly)
	pool := &mockPool{units: []*metadata.InstallableUnit{iu("native", "1.0.0")}}
	req := profile.NewChangeRequest("p").AddRoot(a)
	planner := NewPlanner(pool, PlannerOptions{})

	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{"linux", map[string]string{"osgi.os": "linux"}, []string{"install native 1.0.0", "install a 1.0.0"}},
		{"win32", map[string]string{"osgi.os": "win32"}, []string{"install a 1.0.0"}},
		{"no environment", nil, []string{"install a 1.0.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planner.Plan(context.Background(), req, installed(t, 1, nil), tt.env)
			if diff := cmp.Diff(tt.want, operandStrings(plan.Operands)); diff != "" {
				t.Errorf("operands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlannerNonGreedyRequirements(t *testing.T) {
	explicit := needs("peer", "1.0.0")
	explicit.Greedy = false
	a := iu("a", "1.0.0", explicit)
	peer := iu("peer", "1.0.0")
	pool := &mockPool{units: []*metadata.InstallableUnit{peer}}
	planner := NewPlanner(pool, PlannerOptions{})

	plan := planner.Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), nil)
	if !plan.Status.HasCode(ErrCodeUnsatisfiedRequirement) {
		t.Errorf("non-greedy requirement pulled from pool: %s", plan.Status)
	}
	if pool.queries != 0 {
		t.Errorf("pool queried %d times for a non-greedy requirement", pool.queries)
	}

	plan = planner.Plan(context.Background(), profile.NewChangeRequest("p").AddRoot(a).AddRoot(peer), installed(t, 1, nil), nil)
	if !plan.Status.IsOK() {
		t.Errorf("explicitly added peer should satisfy the requirement: %s", plan.Status)
	}
}

func TestPlannerNeverReselectsRemovedUnit(t *testing.T) {
	b1, b2 := iu("b", "1.0.0"), iu("b", "2.0.0")
	a := iu("a", "1.0.0", needs("b", "1.0.0"))
	pool := &mockPool{units: []*metadata.InstallableUnit{b1, b2}}
	current := installed(t, 1, []*metadata.InstallableUnit{a}, b2)

	plan := NewPlanner(pool, PlannerOptions{}).
		Plan(context.Background(), profile.NewChangeRequest("p").Remove(b2), current, nil)

	if diff := cmp.Diff([]string{"update b 2.0.0 -> 1.0.0"}, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}
}

func TestPlannerFailures(t *testing.T) {
	a := iu("a", "1.0.0", needs("b", "1.0.0"))
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name     string
		ctx      context.Context
		pool     *mockPool
		req      *profile.ChangeRequest
		current  *profile.Profile
		wantCode string
	}{
		{"nil profile", context.Background(), &mockPool{}, profile.NewChangeRequest("p"), nil, ErrCodeValidation},
		{"wrong profile", context.Background(), &mockPool{}, profile.NewChangeRequest("other"), installed(t, 1, nil), ErrCodeValidation},
		{"cancelled", cancelled, &mockPool{}, profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), ErrCodeCancelled},
		{"pool error", context.Background(), &mockPool{err: errors.New("offline")}, profile.NewChangeRequest("p").AddRoot(a), installed(t, 1, nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := NewPlanner(tt.pool, PlannerOptions{}).Plan(tt.ctx, tt.req, tt.current, nil)
			if plan.Status.IsOK() {
				t.Fatal("Plan() succeeded, want failure")
			}
			if tt.wantCode != "" && !plan.Status.HasCode(tt.wantCode) {
				t.Errorf("status lacks %s:\n%s", tt.wantCode, plan.Status)
			}
			if plan.Status.Cause() == nil {
				t.Error("failed plan status carries no error")
			}
		})
	}
}

func TestDiffOfIdenticalProfilesIsEmpty(t *testing.T) {
	a := iu("a", "1.0.0")
	p := installed(t, 5, []*metadata.InstallableUnit{a})

	plan := NewPlanner(&mockPool{}, PlannerOptions{}).Diff(context.Background(), p, p)
	if !plan.Status.IsOK() || !plan.IsEmpty() {
		t.Errorf("Diff(P, P) = %v operands, status %s", operandStrings(plan.Operands), plan.Status)
	}
}

func TestDiffRestoresEarlierSnapshot(t *testing.T) {
	a1, a2 := iu("a", "1.0.0"), iu("a", "2.0.0")
	old := iu("old", "1.0.0")
	fresh := iu("fresh", "1.0.0")

	p0, err := profile.New("p", 1, map[string]string{"x": "0", "gone": "yes"},
		[]*metadata.InstallableUnit{a1, old},
		map[metadata.UnitKey]map[string]string{
			a1.Key():  {profile.PropertyRoot: "true"},
			old.Key(): {profile.PropertyRoot: "true"},
		})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := profile.New("p", 2, map[string]string{"x": "1"},
		[]*metadata.InstallableUnit{a2, fresh},
		map[metadata.UnitKey]map[string]string{
			a2.Key():    {profile.PropertyRoot: "true", "extra": "y"},
			fresh.Key(): {profile.PropertyRoot: "true"},
		})
	if err != nil {
		t.Fatal(err)
	}

	plan := NewPlanner(&mockPool{}, PlannerOptions{}).Diff(context.Background(), p1, p0)
	if !plan.Status.IsOK() {
		t.Fatalf("Diff() status = %s", plan.Status)
	}
	if plan.Kind != PlanKindDiff || plan.BaseTimestamp != 2 {
		t.Errorf("plan header = kind %s base %d", plan.Kind, plan.BaseTimestamp)
	}
	want := []string{"uninstall fresh 1.0.0", "update a 2.0.0 -> 1.0.0", "install old 1.0.0"}
	if diff := cmp.Diff(want, operandStrings(plan.Operands)); diff != "" {
		t.Errorf("operands mismatch (-want +got):\n%s", diff)
	}

	reverted, err := profile.Apply(p1, plan.Operands, plan.PropertyChanges)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !reverted.Equal(p0) {
		t.Errorf("applying the diff gave %v, want the units and properties of %v", unitIDs(reverted.Units()), unitIDs(p0.Units()))
	}
}

func TestDiffRejectsMismatchedProfiles(t *testing.T) {
	p := installed(t, 1, nil)
	q := profile.Empty("q", nil)

	plan := NewPlanner(&mockPool{}, PlannerOptions{}).Diff(context.Background(), p, q)
	if plan.Status.IsOK() || !plan.Status.HasCode(ErrCodeValidation) {
		t.Errorf("Diff() status = %s, want validation failure", plan.Status)
	}
}
