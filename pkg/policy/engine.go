package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/director/pkg/engine"
	"github.com/openfroyo/director/pkg/profile"
	"github.com/openfroyo/director/pkg/telemetry"
)

// Engine evaluates Rego policies against plans before they are executed.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		loader:   NewLoader(logger),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluatePlan evaluates every enabled policy against plan and the profile it
// was computed against.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, prof *profile.Profile) (*Result, error) {
	return e.Evaluate(ctx, plan, prof, Context{Operation: string(plan.Kind)})
}

// Evaluate is EvaluatePlan with an explicit evaluation context.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.Plan, prof *profile.Profile, pc Context) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	startTime := time.Now()
	if pc.Timestamp.IsZero() {
		pc.Timestamp = startTime
	}
	input := buildInput(plan, prof, pc)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plan", plan.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocks() {
			result.Allowed = false
			break
		}
	}
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// Gate evaluates plan and turns a denial into a POLICY_DENIED error. The
// result is returned in both cases so callers can print warnings.
func (e *Engine) Gate(ctx context.Context, plan *engine.Plan, prof *profile.Profile, pc Context) (*Result, error) {
	result, err := e.Evaluate(ctx, plan, prof, pc)
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		return result, nil
	}

	blocking := result.Blocking()
	for _, v := range blocking {
		telemetry.RecordPolicyDenial(ctx, plan.ID, plan.ProfileID, v.Policy, v.Message)
	}
	denied := engine.NewValidationError(
		fmt.Sprintf("plan denied by policy %s: %s", blocking[0].Policy, blocking[0].Message), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", blocking)
	if blocking[0].Unit != "" {
		denied = denied.WithUnit(blocking[0].Unit)
	}
	return result, denied
}

// evaluatePolicy runs the deny set of one compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from one deny set member. Members are
// either plain strings or objects with message and optional severity and
// unit.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if unit, ok := v["unit"].(string); ok {
			violation.Unit = unit
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// AddPolicy compiles policy and adds it, replacing a loaded policy with the
// same name. Built-in policies cannot be replaced.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.policies[policy.Name]; ok && existing.builtin {
		return fmt.Errorf("policy %s is built in", policy.Name)
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// LoadPolicies loads and compiles the policy files found at paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			return err
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceLoaded swaps every loaded policy for policies. Built-ins are kept.
// Nothing changes if any policy fails to compile.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.builtin {
			e.logger.Warn().Str("policy", name).Msg("Ignoring loaded policy shadowing a built-in")
			continue
		}
		e.policies[name] = cp
	}
	return nil
}

// Watch reloads the policies at paths whenever a policy file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceLoaded(ctx, policies)
	})
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		cp.builtin = true
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
