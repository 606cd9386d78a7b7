// Package agent orchestrates a convergence run: acquiring the run lock,
// selecting a server, fetching the catalog (or falling back to the cache),
// validating and applying it, and assembling the run report.
package agent

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a run failure for outcome mapping and metrics.
type ErrorClass string

const (
	// ErrorClassLockContention indicates another run holds the run lock.
	ErrorClassLockContention ErrorClass = "lock_contention"

	// ErrorClassServerUnreachable indicates no candidate server answered
	// its probe.
	ErrorClassServerUnreachable ErrorClass = "server_unreachable"

	// ErrorClassTransportTrust indicates certificate verification failed.
	// Trust failures are never retried against further candidates.
	ErrorClassTransportTrust ErrorClass = "transport_trust"

	// ErrorClassCatalogUnavailable indicates no catalog could be
	// obtained from any server or the cache.
	ErrorClassCatalogUnavailable ErrorClass = "catalog_unavailable"

	// ErrorClassGraphInvalid indicates the catalog failed validation or
	// its dependency graph could not be built.
	ErrorClassGraphInvalid ErrorClass = "graph_invalid"

	// ErrorClassResourceFailure indicates one or more resources failed
	// to apply.
	ErrorClassResourceFailure ErrorClass = "resource_failure"
)

// ConvergeError is a classified run failure.
type ConvergeError struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Server is the server involved, if applicable.
	Server string `json:"server,omitempty"`

	// Resource is the resource reference that caused the failure, if
	// applicable.
	Resource string `json:"resource,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ConvergeError) Error() string {
	switch {
	case e.Server != "":
		return fmt.Sprintf("[%s] %s (server=%s)%s", e.Class, e.Message, e.Server, e.unwrapSuffix())
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)%s", e.Class, e.Message, e.Resource, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ConvergeError) Unwrap() error {
	return e.Err
}

func (e *ConvergeError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *ConvergeError) Is(target error) bool {
	t, ok := target.(*ConvergeError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewError creates a classified run failure.
func NewError(class ErrorClass, message string, err error) *ConvergeError {
	return &ConvergeError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// WithServer adds server context to an error.
func (e *ConvergeError) WithServer(server string) *ConvergeError {
	e.Server = server
	return e
}

// WithResource adds resource context to an error.
func (e *ConvergeError) WithResource(ref string) *ConvergeError {
	e.Resource = ref
	return e
}

// ClassOf returns the classification of an error, or empty when the
// error is not a ConvergeError.
func ClassOf(err error) ErrorClass {
	var ce *ConvergeError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ""
}

// IsClass reports whether err carries the given classification.
func IsClass(err error, class ErrorClass) bool {
	return ClassOf(err) == class
}
