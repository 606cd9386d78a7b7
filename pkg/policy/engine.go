// Package policy validates fetched catalogs before any resource is
// touched. Validation rules are Rego policies evaluated per resource; an
// error-severity violation invalidates the whole catalog, which must then
// neither be applied nor overwrite the cached fallback.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// Engine compiles and evaluates catalog validation policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", builtins[i].Name, err)
		}
	}
	return e, nil
}

// LoadDir loads additional operator policies from *.rego files in a
// directory. A missing directory is not an error.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		p := &Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Rego:     string(data),
			Severity: SeverityError,
			Enabled:  true,
		}
		if err := e.compileAndStore(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", path, err)
		}
		count++
	}

	if count > 0 {
		e.logger.Info().Int("count", count).Str("dir", dir).Msg("Operator policies loaded")
	}
	return nil
}

// Validate evaluates every enabled policy against every resource in the
// catalog. Sensitive parameter values are redacted before they reach the
// policy input so violation messages cannot leak them.
func (e *Engine) Validate(ctx context.Context, cat *catalog.Catalog) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Valid: true, EvaluatedAt: time.Now()}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		for i := range cat.Resources {
			res := &cat.Resources[i]

			// Policies must see the real parameter values: a Sensitive
			// command is still subject to the same rules as a plain one.
			// Anything the policy echoes back is scrubbed below.
			input := map[string]any{
				"resource": map[string]any{
					"type":       res.Type,
					"title":      res.Title,
					"ref":        res.Ref(),
					"parameters": catalog.UnwrapAll(res.Parameters),
					"sensitive":  catalog.IsSensitive(res.Parameters),
				},
				"environment": cat.Environment,
			}
			secrets := sensitiveStrings(res.Parameters, nil)

			violations, err := e.evaluate(ctx, cp, input)
			if err != nil {
				return nil, fmt.Errorf("policy %s failed on %s: %w", cp.policy.Name, res.Ref(), err)
			}
			for _, v := range violations {
				if v.Resource == "" {
					v.Resource = res.Ref()
				}
				v.Message = scrubMessage(v.Message, secrets)
				result.Violations = append(result.Violations, v)
				if v.Severity == SeverityError {
					result.Valid = false
				}
			}
		}
	}

	e.logger.Debug().
		Bool("valid", result.Valid).
		Int("violations", len(result.Violations)).
		Msg("Catalog validated")
	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

func (e *Engine) toViolation(p *Policy, result any) Violation {
	violation := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    prepared,
		compiled: time.Now(),
	}
	return nil
}

// sensitiveStrings collects the textual forms of every Sensitive value in
// v, including scalars nested inside a Sensitive map or list, so violation
// messages that echo them can be scrubbed.
func sensitiveStrings(v any, acc []string) []string {
	switch val := v.(type) {
	case catalog.Sensitive:
		return scalarStrings(val.Value, acc)
	case *catalog.Deferred:
		for _, arg := range val.Arguments {
			acc = sensitiveStrings(arg, acc)
		}
	case map[string]any:
		for _, item := range val {
			acc = sensitiveStrings(item, acc)
		}
	case []any:
		for _, item := range val {
			acc = sensitiveStrings(item, acc)
		}
	}
	return acc
}

func scalarStrings(v any, acc []string) []string {
	switch val := v.(type) {
	case nil:
		return acc
	case catalog.Sensitive:
		return scalarStrings(val.Value, acc)
	case map[string]any:
		for _, item := range val {
			acc = scalarStrings(item, acc)
		}
	case []any:
		for _, item := range val {
			acc = scalarStrings(item, acc)
		}
	default:
		if s := fmt.Sprintf("%v", val); s != "" {
			acc = append(acc, s)
		}
	}
	return acc
}

// scrubMessage replaces every sensitive value rendered into a violation
// message with the redaction marker.
func scrubMessage(msg string, secrets []string) string {
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, catalog.Redacted)
	}
	return msg
}

func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "openconverge.policies"
}
