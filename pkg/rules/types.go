package rules

import (
	"time"
)

// Severity is the severity of a rule violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings an operator should review.
	SeverityWarning Severity = "warning"

	// SeverityError blocks execution of the graph.
	SeverityError Severity = "error"
)

// Rule is a Rego lint rule. Its module must define a `deny` set whose
// members are strings or objects with "message" and optionally "resource"
// and "severity".
type Rule struct {
	// Name is the unique name of the rule.
	Name string `json:"name"`

	// Description is a human-readable description.
	Description string `json:"description"`

	// Rego is the rule source.
	Rego string `json:"rego"`

	// Severity is the default severity of violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the rule is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the rule was loaded from; empty for built-in rules.
	Source string `json:"source,omitempty"`
}

// Violation is one finding of one rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Report is the outcome of linting one graph.
type Report struct {
	// AssemblyID is the linted graph.
	AssemblyID string `json:"assembly_id"`

	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	// Violations are sorted by rule, resource and message.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists rules that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedRules lists the rules that ran.
	EvaluatedRules []string `json:"evaluated_rules"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// BySeverity returns the violations of the given severity.
func (r *Report) BySeverity(sev Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}
