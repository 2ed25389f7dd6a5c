package policy

import (
	"time"
)

// Severity represents the severity level of a logic violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings worth a second look.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that almost certainly indicate a defect.
	SeverityError Severity = "error"
)

// DefaultPackage is used when a policy source declares no package.
const DefaultPackage = "tandem.logic"

// Policy is a Rego module contributing to the advisory logic check.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego source. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine. They survive reloads.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single logic finding.
type Violation struct {
	// Policy is the name of the policy that produced it.
	Policy string `json:"policy"`

	// Rule is the rule identifier inside the policy.
	Rule string `json:"rule,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Input is the document policies are evaluated against.
type Input struct {
	// Payload is the candidate artifact.
	Payload string `json:"payload"`

	// Description is the task description the payload should satisfy.
	Description string `json:"description"`

	// Language is the detected payload language.
	Language string `json:"language"`

	// Lines is the payload split into lines.
	Lines []string `json:"lines"`
}

// Result is the outcome of a logic check.
type Result struct {
	// Score is max(0, 100 - 10 per violation).
	Score int `json:"score"`

	// Violations lists every finding, ordered by policy then message.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyBundle is a named collection of policies shipped as one JSON file.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

// Score converts a violation count into a logic score.
func Score(violations int) int {
	score := 100 - 10*violations
	if score < 0 {
		return 0
	}
	return score
}
