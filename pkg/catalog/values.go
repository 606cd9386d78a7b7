package catalog

import (
	"encoding/json"
	"fmt"
)

// Redacted is the marker substituted for Sensitive values in every textual
// representation destined for logs or reports.
const Redacted = "[redacted]"

const (
	deferredKey  = "__deferred__"
	sensitiveKey = "__sensitive__"
)

// Deferred is a function call whose evaluation is postponed until apply
// time. A Deferred value is never evaluated during retrieval or caching, so
// re-applying a cached catalog re-reads whatever external input the function
// consumes.
type Deferred struct {
	// Name is the registered deferred function name.
	Name string `json:"name"`

	// Arguments are passed to the function at evaluation time.
	Arguments []any `json:"arguments,omitempty"`
}

// MarshalJSON emits the wire marker so the value survives catalog caching.
func (d *Deferred) MarshalJSON() ([]byte, error) {
	type wire Deferred
	return json.Marshal(map[string]any{deferredKey: (*wire)(d)})
}

func (d *Deferred) String() string {
	return fmt.Sprintf("Deferred(%s)", d.Name)
}

// Sensitive wraps a value whose textual form must never be rendered in
// plaintext. The underlying value is compared and applied normally.
type Sensitive struct {
	Value any
}

// MarshalJSON emits the wire marker, including the wrapped value. The cache
// file inherits the catalog's own on-disk protections; only logs and reports
// redact.
func (s Sensitive) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{sensitiveKey: s.Value})
}

func (s Sensitive) String() string {
	return Redacted
}

// Unwrap returns the value inside any chain of Sensitive wrappers.
func Unwrap(v any) any {
	for {
		s, ok := v.(Sensitive)
		if !ok {
			return v
		}
		v = s.Value
	}
}

// IsSensitive reports whether a value (or any value nested inside it,
// including the arguments of a Deferred call) is wrapped as Sensitive.
func IsSensitive(v any) bool {
	switch val := v.(type) {
	case Sensitive:
		return true
	case *Deferred:
		for _, arg := range val.Arguments {
			if IsSensitive(arg) {
				return true
			}
		}
	case map[string]any:
		for _, item := range val {
			if IsSensitive(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if IsSensitive(item) {
				return true
			}
		}
	}
	return false
}

// Redact replaces every Sensitive value in v with the redaction marker,
// returning a copy safe for logs and reports.
func Redact(v any) any {
	switch val := v.(type) {
	case Sensitive:
		return Redacted
	case *Deferred:
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Redact(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}

// UnwrapAll returns a copy of v with every Sensitive wrapper removed, so
// the real values can be compared and evaluated. Deferred calls cannot be
// evaluated outside the executor and become their placeholder string.
// Anything derived from the result that is rendered must be redacted again.
func UnwrapAll(v any) any {
	switch val := v.(type) {
	case Sensitive:
		return UnwrapAll(val.Value)
	case *Deferred:
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = UnwrapAll(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = UnwrapAll(item)
		}
		return out
	default:
		return v
	}
}

// normalizeValue walks a decoded JSON value and converts rich-data markers
// into their typed forms. Marker maps have exactly one key.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if inner, ok := val[deferredKey]; ok {
				return normalizeDeferred(inner)
			}
			if inner, ok := val[sensitiveKey]; ok {
				norm, err := normalizeValue(inner)
				if err != nil {
					return nil, err
				}
				return Sensitive{Value: norm}, nil
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			norm, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			norm, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	default:
		return v, nil
	}
}

func normalizeDeferred(v any) (*Deferred, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed deferred marker: %T", v)
	}
	name, _ := m["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("deferred marker has no function name")
	}
	d := &Deferred{Name: name}
	if args, ok := m["arguments"].([]any); ok {
		for _, a := range args {
			norm, err := normalizeValue(a)
			if err != nil {
				return nil, err
			}
			d.Arguments = append(d.Arguments, norm)
		}
	}
	return d, nil
}
