// Package provider defines the capability contract a resource type must
// implement to be enforced by the transaction executor, and the registry
// that maps type names to implementations. Lookup happens once per resource
// while the dependency graph is built, never per call.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// Result is the outcome of enforcing one resource.
type Result struct {
	// Changed reports whether the resource was modified to reach desired
	// state. An unchanged resource produces no report event value change.
	Changed bool

	// Old and New are the observed and enforced values for the property
	// that changed, used for report events. May be nil when unchanged.
	Old any
	New any

	// Message is an optional human-readable summary of the change.
	Message string
}

// Provider enforces resources of one type. Parameters passed to Read and
// Apply have all Deferred values already resolved; Sensitive wrappers are
// preserved so providers can unwrap them without ever logging the content.
type Provider interface {
	// Read observes the current state of the resource.
	Read(ctx context.Context, res *catalog.Resource, params map[string]any) (current map[string]any, err error)

	// Apply enforces the desired state, returning what changed.
	Apply(ctx context.Context, res *catalog.Resource, params map[string]any, current map[string]any) (*Result, error)
}

// Refresher is implemented by providers whose resources can be refreshed
// when a notifying upstream resource changes.
type Refresher interface {
	Refresh(ctx context.Context, res *catalog.Resource, params map[string]any) error
}

// Planner is implemented by providers that can compute the would-change
// verdict without touching the system. Noop runs use it so resources report
// what an enforcing run would do.
type Planner interface {
	Plan(ctx context.Context, res *catalog.Resource, params, current map[string]any) (*Result, error)
}

// Registry maps resource type names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider for a type name, replacing any existing one.
func (r *Registry) Register(typeName string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[typeName] = p
}

// Lookup returns the provider for a type name.
func (r *Registry) Lookup(typeName string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[typeName]
	if !ok {
		return nil, fmt.Errorf("no provider registered for resource type %q", typeName)
	}
	return p, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
