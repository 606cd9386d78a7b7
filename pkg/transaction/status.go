package transaction

import "fmt"

// ApplyStatus is the explicit outcome of one resource step. Every step
// produces exactly one of these; no failure crosses a resource boundary as
// anything other than a value.
type ApplyStatus string

const (
	// StatusPending means the resource has not been reached yet.
	StatusPending ApplyStatus = "pending"

	// StatusApplied means the resource was changed to reach desired state.
	StatusApplied ApplyStatus = "applied"

	// StatusUnchanged means the resource was already in desired state.
	StatusUnchanged ApplyStatus = "unchanged"

	// StatusWouldChange means a noop run determined the resource is out of
	// desired state but left it untouched.
	StatusWouldChange ApplyStatus = "would_change"

	// StatusFailed means enforcement of the resource failed.
	StatusFailed ApplyStatus = "failed"

	// StatusSkipped means an upstream dependency failed.
	StatusSkipped ApplyStatus = "skipped"
)

// Succeeded reports whether the step completed without failure.
func (s ApplyStatus) Succeeded() bool {
	return s == StatusApplied || s == StatusUnchanged || s == StatusWouldChange
}

// Validate checks if the status is valid.
func (s ApplyStatus) Validate() error {
	switch s {
	case StatusPending, StatusApplied, StatusUnchanged, StatusWouldChange, StatusFailed, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid apply status: %s", s)
	}
}
