package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/FLASH-73/assembler/pkg/assembly"
)

// DefaultMaxRetries is the retry-budget limit when none is configured.
const DefaultMaxRetries = 10

// Engine evaluates Rego lint rules against assembly graphs.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	store  storage.Store
	logger zerolog.Logger
}

type compiledRule struct {
	rule     *Rule
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

type options struct {
	maxRetries int
	primitives []string
}

// Option configures an Engine.
type Option func(*options)

// WithMaxRetries sets the upper bound the retry-budget rule enforces.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithPrimitives sets the registered primitive names the known-primitive
// rule checks against. Without it the rule is inert.
func WithPrimitives(names []string) Option {
	return func(o *options) {
		o.primitives = append([]string(nil), names...)
	}
}

// NewEngine creates an engine with the built-in rules compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := options{maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	// Seed the data document rules read limits and primitives from
	primitives := make([]interface{}, len(o.primitives))
	for i, p := range o.primitives {
		primitives[i] = p
	}
	store := inmem.NewFromObject(map[string]interface{}{
		"limits": map[string]interface{}{
			"max_retries": o.maxRetries,
		},
		"primitives": primitives,
	})

	e := &Engine{
		rules:  make(map[string]*compiledRule),
		store:  store,
		logger: logger.With().Str("component", "rules-engine").Logger(),
	}

	// Compile built-in rules
	builtins := BuiltinRules()
	for i := range builtins {
		if err := e.compile(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in rule %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in rules loaded")

	return e, nil
}

// Lint evaluates every enabled rule against g.
func (e *Engine) Lint(ctx context.Context, g *assembly.AssemblyGraph) (*Report, error) {
	start := time.Now()

	input, err := documentInput(g)
	if err != nil {
		return nil, err
	}

	// Evaluate rules
	e.mu.RLock()
	defer e.mu.RUnlock()

	report := &Report{
		AssemblyID: g.ID,
		Allowed:    true,
	}

	for _, name := range e.sortedNames() {
		cr := e.rules[name]
		if !cr.rule.Enabled {
			continue
		}
		report.EvaluatedRules = append(report.EvaluatedRules, name)

		// A failing rule becomes a warning, not a lint error
		violations, err := e.evaluate(ctx, cr, input)
		if err != nil {
			e.logger.Error().Err(err).Str("rule", name).Str("assembly_id", g.ID).Msg("Rule evaluation failed")
			report.Warnings = append(report.Warnings, fmt.Sprintf("Rule %s evaluation failed: %v", name, err))
			continue
		}
		report.Violations = append(report.Violations, violations...)
	}

	// Stable order for output and tests
	sort.Slice(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		return a.Message < b.Message
	})
	// Any error-severity violation blocks the run
	for _, v := range report.Violations {
		if v.Severity == SeverityError {
			report.Allowed = false
			break
		}
	}

	report.EvaluatedAt = time.Now().UTC()
	report.Duration = time.Since(start)

	e.logger.Debug().
		Str("assembly_id", g.ID).
		Int("violations", len(report.Violations)).
		Dur("duration", report.Duration).
		Msg("Graph lint completed")

	return report, nil
}

// documentInput converts g to the generic form of its JSON document, so rules
// see the external camelCase field names.
func documentInput(g *assembly.AssemblyGraph) (map[string]interface{}, error) {
	if g == nil {
		return nil, fmt.Errorf("no assembly graph to lint")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return input, nil
}

// evaluate runs the rule's deny query and converts each element of the set.
func (e *Engine) evaluate(ctx context.Context, cr *compiledRule, input map[string]interface{}) ([]Violation, error) {
	rs, err := cr.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range rs {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			violations = append(violations, newViolation(cr.rule, d))
		}
	}
	return violations, nil
}

// newViolation accepts a plain message or an object with message, resource
// and severity fields.
func newViolation(rule *Rule, result interface{}) Violation {
	v := Violation{
		Rule:     rule.Name,
		Severity: rule.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// LoadRules compiles the rules found under paths in addition to the current ones.
func (e *Engine) LoadRules(ctx context.Context, paths []string) error {
	rules, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range rules {
		if err := e.compile(ctx, &rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rules[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(rules)).Msg("Rules loaded")
	return nil
}

// compile parses and prepares a rule. Callers hold the write lock, except
// during construction.
func (e *Engine) compile(ctx context.Context, rule *Rule) error {
	module, err := ast.ParseModule(rule.Name+".rego", rule.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse rule: %w", err)
	}

	// Prepare the deny query of the rule's package
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	// Default severity
	if rule.Severity == "" {
		rule.Severity = SeverityWarning
	}
	e.rules[rule.Name] = &compiledRule{
		rule:     rule,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("rule", rule.Name).Msg("Rule compiled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetRule returns a rule by name.
func (e *Engine) GetRule(name string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cr, ok := e.rules[name]
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", name)
	}
	r := *cr.rule
	return &r, nil
}

// ListRules returns every compiled rule, sorted by name.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, name := range e.sortedNames() {
		rules = append(rules, *e.rules[name].rule)
	}
	return rules
}

// EnableRule enables a rule by name.
func (e *Engine) EnableRule(name string) error {
	return e.setEnabled(name, true)
}

// DisableRule disables a rule by name.
func (e *Engine) DisableRule(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("rule not found: %s", name)
	}
	cr.rule.Enabled = enabled
	e.logger.Info().Str("rule", name).Bool("enabled", enabled).Msg("Rule toggled")
	return nil
}
