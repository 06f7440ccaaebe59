package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/teraunit/teraunit/pkg/engine"
)

// Engine implements engine.AdmissionPolicy on top of OPA.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.AdmissionPolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateLaunch evaluates every enabled policy against a launch request.
// An evaluation error fails the whole decision; callers must treat it as a denial.
func (e *Engine) EvaluateLaunch(ctx context.Context, req engine.LaunchRequest) (*engine.PolicyDecision, error) {
	startTime := e.now()
	input := NewLaunchInput(req, startTime)

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &engine.PolicyDecision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, v := range violations {
			if !v.severity.Blocking() {
				e.logger.Warn().
					Str("policy", v.Policy).
					Str("code", v.Code).
					Msg(v.Message)
				continue
			}
			decision.Allowed = false
			decision.Violations = append(decision.Violations, v.PolicyViolation)
		}
	}

	e.logger.Debug().
		Str("provider", string(req.Provider)).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Launch policy evaluation completed")

	return decision, nil
}

type violation struct {
	engine.PolicyViolation
	severity Severity
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []violation
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

	return violations, nil
}

// createViolation creates a violation from a deny result. A deny may be a
// plain message or an object with code, message and severity.
func createViolation(policy *Policy, result interface{}) violation {
	v := violation{
		PolicyViolation: engine.PolicyViolation{
			Policy: policy.Name,
			Code:   engine.ErrCodePolicyViolation,
		},
		severity: policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if code, ok := r["code"].(string); ok && code != "" {
			v.Code = code
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}

// compilePolicy parses and prepares the deny query of a policy.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: e.now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads operator policy files and directories, replacing any
// previously loaded operator policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	return e.ReplaceOperatorPolicies(ctx, policies)
}

// ReplaceOperatorPolicies compiles policies and swaps them in for the current
// operator set. Nothing changes if any policy fails to compile.
func (e *Engine) ReplaceOperatorPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := &policies[i]
		p.Builtin = false
		cp, err := e.compilePolicy(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Operator policy shadows a built-in name, skipped")
			continue
		}
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Operator policies loaded")

	return nil
}

// Watch loads operator policies from paths and reloads them on change until ctx ends.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}

	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceOperatorPolicies(ctx, policies)
	})
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

// sortedNames returns policy names in evaluation order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
