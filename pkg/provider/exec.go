package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// ExecProvider runs a command once per apply. The command must be fully
// qualified; catalogs that violate this are rejected by policy validation
// before the executor runs, and the provider enforces it again here.
type ExecProvider struct{}

// NewExecProvider creates an exec provider.
func NewExecProvider() *ExecProvider {
	return &ExecProvider{}
}

// Read has nothing to observe for an exec resource.
func (p *ExecProvider) Read(_ context.Context, _ *catalog.Resource, _ map[string]any) (map[string]any, error) {
	return nil, nil
}

// Plan reports whether Apply would run the command: always, unless a
// "creates" parameter names a path that already exists.
func (p *ExecProvider) Plan(_ context.Context, res *catalog.Resource, params, _ map[string]any) (*Result, error) {
	command, err := p.command(res, params)
	if err != nil {
		return nil, err
	}
	if creates, ok := catalog.Unwrap(params["creates"]).(string); ok && creates != "" {
		if pathExists(creates) {
			return &Result{Changed: false}, nil
		}
	}
	return &Result{
		Changed: true,
		Old:     "notrun",
		New:     "executed",
		Message: fmt.Sprintf("would execute %s", command[0]),
	}, nil
}

// Apply runs the command. An exec resource always reports a change unless a
// "creates" parameter names a path that already exists.
func (p *ExecProvider) Apply(ctx context.Context, res *catalog.Resource, params map[string]any, _ map[string]any) (*Result, error) {
	command, err := p.command(res, params)
	if err != nil {
		return nil, err
	}

	if creates, ok := catalog.Unwrap(params["creates"]).(string); ok && creates != "" {
		if pathExists(creates) {
			return &Result{Changed: false}, nil
		}
	}

	if err := p.run(ctx, command); err != nil {
		return nil, err
	}
	return &Result{
		Changed: true,
		Old:     "notrun",
		New:     "executed",
		Message: fmt.Sprintf("executed %s", command[0]),
	}, nil
}

// Refresh re-runs the command when a notifying upstream changed.
func (p *ExecProvider) Refresh(ctx context.Context, res *catalog.Resource, params map[string]any) error {
	command, err := p.command(res, params)
	if err != nil {
		return err
	}
	return p.run(ctx, command)
}

func (p *ExecProvider) command(res *catalog.Resource, params map[string]any) ([]string, error) {
	raw, ok := catalog.Unwrap(params["command"]).(string)
	if !ok || raw == "" {
		raw = res.Title
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, fmt.Errorf("exec resource has no command")
	}
	if !filepath.IsAbs(fields[0]) {
		return nil, fmt.Errorf("exec command %q is not fully qualified", fields[0])
	}
	return fields, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *ExecProvider) run(ctx context.Context, command []string) error {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
