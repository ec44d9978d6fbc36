package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a run.
	SeverityError Severity = "error"

	// SeverityCritical blocks a run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity prevent a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny rules produce violations.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not set their own.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy over a catalog.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that prevent a run.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document a policy sees as input for one resource.
type Input struct {
	Resource ResourceInput  `json:"resource"`
	Parent   *ResourceInput `json:"parent,omitempty"`
	Catalog  CatalogInput   `json:"catalog"`
	Context  Context        `json:"context"`
}

// ResourceInput is the policy view of a resource spec.
type ResourceInput struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	DisplayName string                 `json:"displayName"`
	ParentRef   string                 `json:"parentRef,omitempty"`
	Required    bool                   `json:"required"`
	Payload     map[string]interface{} `json:"payload"`
}

// CatalogInput summarizes the whole catalog.
type CatalogInput struct {
	ResourceCount int            `json:"resourceCount"`
	Kinds         map[string]int `json:"kinds"`
}

// Context describes the run the policies are evaluated for.
type Context struct {
	// Operation is validate, plan or provision.
	Operation string    `json:"operation"`
	DryRun    bool      `json:"dryRun"`
	Timestamp time.Time `json:"timestamp"`
}
