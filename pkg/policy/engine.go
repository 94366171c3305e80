package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/labctl/pkg/engine"
)

// Engine evaluates admission policies. It implements engine.AdmissionReviewer.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	logger      zerolog.Logger
	loader      *Loader
	environment string
}

var _ engine.AdmissionReviewer = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		loader:   NewLoader(logger),
	}

	ctx := context.Background()
	for _, p := range GetBuiltinPolicies() {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// SetEnvironment sets the value passed as input.context.environment.
func (e *Engine) SetEnvironment(env string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.environment = env
}

// AddPolicy compiles p and adds it, replacing a policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}
	cp, err := e.compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.policies[p.Name]; ok && existing.policy.Builtin && !p.Builtin {
		return fmt.Errorf("policy %s conflicts with a built-in policy", p.Name)
	}
	e.policies[p.Name] = cp
	return nil
}

// LoadPolicies loads .rego files from paths, replacing every previously
// loaded file policy. Built-in policies are kept. Nothing changes on error.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceFilePolicies(ctx, policies)
}

func (e *Engine) replaceFilePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := e.compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range compiled {
		existing, ok := e.policies[name]
		if ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", name)
		}
		// A policy disabled by name stays disabled across reloads.
		if ok && !existing.policy.Enabled {
			cp.policy.Enabled = false
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// compile parses p and prepares its deny query.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if pkg != AdmissionPackage && !strings.HasPrefix(pkg, AdmissionPackage+".") {
		return nil, fmt.Errorf("policy %s must be in package %s, got %s", p.Name, AdmissionPackage, pkg)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return &compiledPolicy{policy: p, query: query}, nil
}

// Evaluate runs every enabled policy against input. An evaluation error of
// any policy fails the whole evaluation.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	decision := &Decision{EvaluatedPolicies: make([]string, 0, len(active))}
	for _, cp := range active {
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				v := createViolation(cp.policy, d)
				if v.Severity.Blocks() {
					decision.Violations = append(decision.Violations, v)
				} else {
					decision.Warnings = append(decision.Warnings, v)
				}
			}
		}
	}

	decision.Allowed = len(decision.Violations) == 0
	decision.Duration = time.Since(start)
	return decision, nil
}

// createViolation accepts a plain message or an object with message and
// severity keys.
func createViolation(p Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// Review implements engine.AdmissionReviewer.
func (e *Engine) Review(ctx context.Context, record *engine.DeploymentRecord, lab *engine.LabConfiguration) ([]string, error) {
	input := NewInput(record, lab)
	e.mu.RLock()
	input.Context.Environment = e.environment
	e.mu.RUnlock()

	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("deployment_id", record.DeploymentID).
			Str("policy", w.Policy).
			Msg(w.Message)
	}
	if !decision.Allowed {
		e.logger.Info().
			Str("deployment_id", record.DeploymentID).
			Int("violations", len(decision.Violations)).
			Dur("duration", decision.Duration).
			Msg("Deployment denied by policy")
	}
	return decision.Messages(), nil
}

// Watch reloads file policies from paths when they change.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replaceFilePolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
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
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
