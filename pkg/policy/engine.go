package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

// Engine compiles Rego policies and evaluates them against manifests.
type Engine struct {
	mu       sync.RWMutex
	builtin  map[string]*compiledPolicy
	custom   map[string]*compiledPolicy
	disabled map[string]bool
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy represents a prepared Rego query.
type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		builtin:  make(map[string]*compiledPolicy),
		custom:   make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		loader:   NewLoader(logger),
	}

	for _, p := range BuiltinPolicies() {
		cp, err := compile(context.Background(), p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.builtin[p.Name] = cp
	}

	e.logger.Debug().Int("count", len(e.builtin)).Msg("built-in policies loaded")
	return e, nil
}

// NewInput builds the policy input for an ordered descriptor list.
func NewInput(manifest string, descriptors []engine.ResourceDescriptor) *Input {
	in := &Input{Manifest: manifest, Resources: make([]InputResource, len(descriptors))}
	for i, d := range descriptors {
		attrs := d.Attributes()
		if attrs == nil {
			attrs = map[string]string{}
		}
		in.Resources[i] = InputResource{
			Index:      i,
			ID:         d.ID(),
			Kind:       string(d.Kind()),
			Name:       d.Name(),
			Action:     string(d.Action()),
			Attributes: attrs,
		}
	}
	return in
}

// Evaluate runs every enabled policy against the input. A policy that fails
// to evaluate is reported as a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	active := e.active()
	e.mu.RUnlock()

	result := &Result{Allowed: true, Evaluated: make([]string, 0, len(active))}
	for _, cp := range active {
		result.Evaluated = append(result.Evaluated, cp.policy.Name)

		violations, err := evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			violations = []Violation{{
				Policy:   cp.policy.Name,
				Index:    -1,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			}}
		}
		result.Violations = append(result.Violations, violations...)
	}

	sort.SliceStable(result.Violations, func(i, j int) bool {
		return result.Violations[i].Index < result.Violations[j].Index
	})
	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("manifest", input.Manifest).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("policy evaluation completed")

	return result, nil
}

// active returns the enabled policies sorted by name. Custom policies
// replace builtins of the same name. Callers hold e.mu.
func (e *Engine) active() []*compiledPolicy {
	merged := maps.Clone(e.builtin)
	maps.Copy(merged, e.custom)

	names := slices.Sorted(maps.Keys(merged))
	out := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		if e.disabled[name] || !merged[name].policy.Enabled {
			continue
		}
		out = append(out, merged[name])
	}
	return out
}

// LoadDir replaces the custom policies with the .rego and .json files under
// dir. Nothing changes if any of them fails to load or compile.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	policies, err := e.loader.LoadDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replaceCustom(ctx, policies)
}

// Watch reloads the custom policies whenever a file under dir changes,
// until ctx is done. Reload failures are logged and keep the previous set.
func (e *Engine) Watch(ctx context.Context, dir string) error {
	return e.loader.Watch(ctx, dir, func(policies []Policy) error {
		return e.replaceCustom(ctx, policies)
	})
}

func (e *Engine) replaceCustom(ctx context.Context, policies []Policy) error {
	custom := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if p.Rego == "" {
			// A definition without Rego only toggles the policy of that name.
			custom[p.Name] = e.toggle(p)
			continue
		}
		cp, err := compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		custom[p.Name] = cp
	}

	e.mu.Lock()
	e.custom = custom
	e.mu.Unlock()

	e.logger.Info().Int("count", len(custom)).Msg("custom policies loaded")
	return nil
}

// toggle returns a copy of the builtin named by p with p's Enabled flag.
func (e *Engine) toggle(p Policy) *compiledPolicy {
	e.mu.RLock()
	base, ok := e.builtin[p.Name]
	e.mu.RUnlock()
	if !ok {
		e.logger.Warn().Str("policy", p.Name).Msg("policy definition has no rego and matches no built-in policy")
		return &compiledPolicy{policy: Policy{Name: p.Name, Source: p.Source}}
	}
	cp := *base
	cp.policy.Enabled = p.Enabled
	cp.policy.Source = p.Source
	return &cp
}

// Disable skips the named policy in later evaluations.
func (e *Engine) Disable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.builtin[name] == nil && e.custom[name] == nil {
		return fmt.Errorf("policy not found: %s", name)
	}
	e.disabled[name] = true
	e.logger.Info().Str("policy", name).Msg("policy disabled")
	return nil
}

// Policies returns the loaded policies sorted by name, with custom policies
// replacing builtins of the same name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	merged := maps.Clone(e.builtin)
	maps.Copy(merged, e.custom)

	out := make([]Policy, 0, len(merged))
	for _, name := range slices.Sorted(maps.Keys(merged)) {
		p := merged[name].policy
		if e.disabled[name] {
			p.Enabled = false
		}
		out = append(out, p)
	}
	return out
}

// compile parses a policy and prepares its deny query.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]any)
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation creates a Violation from one member of a deny set. Members
// are either plain strings or objects with message, resource, index and
// severity keys.
func newViolation(p Policy, value any) Violation {
	v := Violation{Policy: p.Name, Index: -1, Severity: p.Severity}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]any:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
		if idx, ok := d["index"].(json.Number); ok {
			if n, err := idx.Int64(); err == nil {
				v.Index = int(n)
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// toDocument converts the input to the generic form Rego evaluates.
func toDocument(input *Input) (map[string]any, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}
