package policy

import "time"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is for findings that should be reviewed but do not
	// block the run.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that invalidate the catalog.
	SeverityError Severity = "error"
)

// Policy is a catalog validation rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are collected from
	// the package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`
}

// Violation is a single policy violation against one resource.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Resource is the resource reference that violated the policy.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of validating one catalog.
type Result struct {
	// Valid is false when any error-severity violation was found. An
	// invalid catalog must never be applied or cached.
	Valid bool `json:"valid"`

	// Violations lists every finding, warnings included.
	Violations []Violation `json:"violations,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Error summarizes the error-severity violations for use as a failure
// message.
func (r *Result) Error() string {
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			return v.Message
		}
	}
	return ""
}
