package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/mods"
)

// DefaultAllowedKinds are the entrypoint kinds admitted unless configured otherwise.
var DefaultAllowedKinds = []string{mods.KindNative, mods.KindStarlark, mods.KindWasm}

// Engine compiles admission policies and evaluates them against mods.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	store       storage.Store
	logger      zerolog.Logger
	environment string
}

// compiledPolicy holds a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Options configures an Engine.
type Options struct {
	// AllowedKinds is exposed to policies as data.modrt.config.allowed_kinds.
	AllowedKinds []string
	// Environment is passed to policies as input.context.environment.
	Environment string
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	kinds := opts.AllowedKinds
	if len(kinds) == 0 {
		kinds = DefaultAllowedKinds
	}
	allowed := make([]any, len(kinds))
	for i, k := range kinds {
		allowed[i] = k
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]any{
			"modrt": map[string]any{
				"config": map[string]any{
					"allowed_kinds": allowed,
				},
			},
		}),
		logger:      logger.With().Str("component", "policy-engine").Logger(),
		environment: opts.Environment,
	}

	ctx := context.Background()
	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit evaluates every enabled policy against each mod. Mods with a
// blocking violation are rejected; the rest are admitted in input order.
// A policy that fails to evaluate is logged and recorded on the decision
// without rejecting the mod.
func (e *Engine) Admit(ctx context.Context, candidates []mods.Mod) (*AdmissionResult, error) {
	start := time.Now()

	e.mu.RLock()
	policies := e.sortedLocked()
	e.mu.RUnlock()

	ids := make([]string, len(candidates))
	for i, m := range candidates {
		ids[i] = m.ID()
	}

	result := &AdmissionResult{Decisions: make(map[string]Decision, len(candidates))}
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		input := AdmissionInput{
			Mod: NewModInput(m),
			Context: AdmissionContext{
				Environment: e.environment,
				Timestamp:   time.Now(),
				ModIDs:      ids,
			},
		}

		d := Decision{ModID: m.ID(), Allowed: true}
		for _, cp := range policies {
			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("mod", m.ID()).
					Msg("Policy evaluation failed")
				d.Errors = append(d.Errors, fmt.Sprintf("policy %s: %v", cp.policy.Name, err))
				continue
			}
			for _, v := range violations {
				if v.Severity.Blocking() {
					d.Allowed = false
					d.Violations = append(d.Violations, v)
				} else {
					d.Warnings = append(d.Warnings, v)
				}
			}
		}

		for _, w := range d.Warnings {
			e.logger.Warn().Str("mod", m.ID()).Str("policy", w.Policy).Str("severity", string(w.Severity)).Msg(w.Message)
		}

		result.Decisions[m.ID()] = d
		if d.Allowed {
			result.Admitted = append(result.Admitted, m)
		} else {
			result.Rejected = append(result.Rejected, d)
			e.logger.Error().
				Str("mod", m.ID()).
				Int("violations", len(d.Violations)).
				Msg("Mod rejected by admission policy")
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Int("admitted", len(result.Admitted)).
		Int("rejected", len(result.Rejected)).
		Dur("duration", result.Duration).
		Msg("Admission completed")

	return result, nil
}

// Check admits a single mod and returns an error when it is rejected.
func (e *Engine) Check(ctx context.Context, m mods.Mod) (Decision, error) {
	res, err := e.Admit(ctx, []mods.Mod{m})
	if err != nil {
		return Decision{}, err
	}
	d := res.Decisions[m.ID()]
	if !d.Allowed {
		return d, engine.NewPolicyError(
			fmt.Sprintf("mod %s rejected: %s", m.ID(), d.Violations[0].Message), nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(m.ID()).
			WithOperation("admit").
			WithDetail("violations", len(d.Violations))
	}
	return d, nil
}

// evaluatePolicy runs the prepared deny query of one policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input AdmissionInput) ([]Violation, error) {
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
			violations = append(violations, createViolation(cp.policy, input.Mod.ID, d))
		}
	}
	return violations, nil
}

// createViolation builds a Violation from one deny entry, which may be a
// plain message or an object with message and severity.
func createViolation(p *Policy, modID string, result interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		ModID:    modID,
		Severity: p.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// compileAndStorePolicy parses a policy and prepares its deny query.
func (e *Engine) compileAndStorePolicy(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", p.Name).Str("package", module.Package.Path.String()).Msg("Policy compiled")
	return nil
}

// SetCustomPolicies replaces every non-builtin policy. On a compile error
// the previous custom set stays in place.
func (e *Engine) SetCustomPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	next := make(map[string]*compiledPolicy, len(previous)+len(policies))
	for name, cp := range previous {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}

	e.policies = next
	for i := range policies {
		p := policies[i]
		if _, clash := next[p.Name]; clash {
			e.policies = previous
			return engine.NewPolicyError(fmt.Sprintf("policy %s is already defined", p.Name), nil).
				WithCode(engine.ErrCodeDuplicateID).
				WithOperation("load policies")
		}
		if err := e.compileAndStorePolicy(ctx, &p); err != nil {
			e.policies = previous
			return engine.NewPolicyError(fmt.Sprintf("failed to compile policy %s", p.Name), err).
				WithCode(engine.ErrCodeValidation).
				WithOperation("load policies")
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Custom policies loaded")
	return nil
}

// LoadPolicies loads .rego files and YAML policy bundles from paths and installs
// them as the custom policy set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetCustomPolicies(ctx, policies)
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

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sortedAllLocked() {
		out = append(out, *cp.policy)
	}
	return out
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
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedLocked returns the enabled policies ordered by name.
func (e *Engine) sortedLocked() []*compiledPolicy {
	var out []*compiledPolicy
	for _, cp := range e.sortedAllLocked() {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	return out
}

func (e *Engine) sortedAllLocked() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// WatchPolicies reloads the custom policy set whenever files under paths
// change, until ctx is canceled.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.SetCustomPolicies(ctx, policies)
	})
}
