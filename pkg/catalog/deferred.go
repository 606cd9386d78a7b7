package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

// DeferredFunc evaluates one deferred function call at apply time.
type DeferredFunc func(ctx context.Context, args []any) (any, error)

// Evaluator resolves Deferred values against the current process
// environment and filesystem. Results are never memoized: each run, and each
// resource within a run, re-evaluates from scratch.
type Evaluator struct {
	funcs   map[string]DeferredFunc
	timeout time.Duration
}

// NewEvaluator creates an evaluator with the builtin deferred functions
// (env, file, join, starlark) registered.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	e := &Evaluator{
		funcs:   make(map[string]DeferredFunc),
		timeout: timeout,
	}
	e.Register("env", deferredEnv)
	e.Register("file", deferredFile)
	e.Register("join", deferredJoin)
	e.Register("starlark", deferredStarlark)
	return e
}

// Register adds or replaces a deferred function.
func (e *Evaluator) Register(name string, fn DeferredFunc) {
	e.funcs[name] = fn
}

// Resolve walks a parameter value and evaluates every Deferred call in it.
// Sensitivity is preserved: a Deferred nested inside a Sensitive wrapper
// resolves to a Sensitive result.
func (e *Evaluator) Resolve(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case *Deferred:
		return e.call(ctx, val)
	case Sensitive:
		inner, err := e.Resolve(ctx, val.Value)
		if err != nil {
			return nil, err
		}
		return Sensitive{Value: inner}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := e.Resolve(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := e.Resolve(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveParameters resolves all parameters of a resource, returning a new
// map. The input map is not modified, so the catalog (and therefore the
// cache) never holds an evaluated result.
func (e *Evaluator) ResolveParameters(ctx context.Context, params map[string]any) (map[string]any, error) {
	resolved, err := e.Resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

func (e *Evaluator) call(ctx context.Context, d *Deferred) (any, error) {
	fn, ok := e.funcs[d.Name]
	if !ok {
		return nil, fmt.Errorf("unknown deferred function: %s", d.Name)
	}

	// Arguments may themselves be deferred.
	args := make([]any, len(d.Arguments))
	for i, a := range d.Arguments {
		resolved, err := e.Resolve(ctx, a)
		if err != nil {
			return nil, err
		}
		args[i] = resolved
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := fn(callCtx, args)
	if err != nil {
		return nil, fmt.Errorf("deferred %s: %w", d.Name, err)
	}
	return result, nil
}

func deferredEnv(_ context.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("env takes 1 argument, got %d", len(args))
	}
	name, ok := Unwrap(args[0]).(string)
	if !ok {
		return nil, fmt.Errorf("env argument must be a string")
	}
	return os.Getenv(name), nil
}

func deferredFile(_ context.Context, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("file takes 1 argument, got %d", len(args))
	}
	path, ok := Unwrap(args[0]).(string)
	if !ok {
		return nil, fmt.Errorf("file argument must be a string")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func deferredJoin(_ context.Context, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join takes 2 arguments, got %d", len(args))
	}
	items, ok := Unwrap(args[0]).([]any)
	if !ok {
		return nil, fmt.Errorf("join first argument must be a list")
	}
	sep, ok := Unwrap(args[1]).(string)
	if !ok {
		return nil, fmt.Errorf("join second argument must be a string")
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("%v", Unwrap(item))
	}
	return strings.Join(parts, sep), nil
}

// deferredStarlark evaluates a Starlark expression at apply time. The first
// argument is the expression; an optional second argument is a map of
// variables made available to it.
func deferredStarlark(ctx context.Context, args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("starlark takes 1 or 2 arguments, got %d", len(args))
	}
	expr, ok := Unwrap(args[0]).(string)
	if !ok {
		return nil, fmt.Errorf("starlark expression must be a string")
	}

	predeclared := starlark.StringDict{}
	if len(args) == 2 {
		vars, ok := Unwrap(args[1]).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("starlark variables must be a map")
		}
		for name, v := range vars {
			sv, err := toStarlarkValue(Unwrap(v))
			if err != nil {
				return nil, fmt.Errorf("variable %s: %w", name, err)
			}
			predeclared[name] = sv
		}
	}

	thread := &starlark.Thread{
		Name: "deferred",
		Print: func(_ *starlark.Thread, _ string) {
			// Output from deferred expressions is discarded.
		},
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("evaluation timeout")
		case <-done:
		}
	}()
	defer close(done)

	result, err := starlark.Eval(thread, "deferred.star", expr, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation failed: %w", err)
	}
	return fromStarlarkValue(result)
}

func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
