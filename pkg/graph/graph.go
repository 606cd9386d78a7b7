// Package graph builds the dependency graph a convergence transaction walks.
// Resources live in an arena indexed by declaration order and edges are
// integer adjacency lists, so cycle detection and ordering are pure
// functions over indices with no reference cycles to manage.
package graph

import (
	"fmt"
	"strings"

	"github.com/openconverge/openconverge/pkg/catalog"
	"github.com/openconverge/openconverge/pkg/provider"
)

// Edge is one ordering constraint: the resource at From must be applied
// strictly before the resource at To.
type Edge struct {
	From int
	To   int
	Kind catalog.RelationshipKind
}

// Node pairs a resource with the provider resolved for it at build time.
type Node struct {
	Index    int
	Resource *catalog.Resource
	Provider provider.Provider
}

// Graph is a validated, acyclic dependency graph with a deterministic
// topological order.
type Graph struct {
	nodes []Node
	edges []Edge
	out   [][]int // outgoing edge indices per node
	order []int   // topological order of node indices
}

// CycleError reports the minimal offending cycle found during validation.
type CycleError struct {
	// Cycle is the sequence of resource refs forming the cycle; the first
	// ref is repeated at the end.
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// Builder converts catalogs into dependency graphs, resolving each
// resource's provider exactly once.
type Builder struct {
	registry *provider.Registry
}

// NewBuilder creates a builder backed by the given provider registry.
func NewBuilder(registry *provider.Registry) *Builder {
	return &Builder{registry: registry}
}

// Build validates the catalog's relationships, detects cycles, resolves
// providers, and computes the apply order. Ties between unordered resources
// are broken by catalog declaration order, so identical inputs always
// produce identical orders.
func (b *Builder) Build(cat *catalog.Catalog) (*Graph, error) {
	g := &Graph{
		nodes: make([]Node, len(cat.Resources)),
		out:   make([][]int, len(cat.Resources)),
	}

	index := make(map[string]int, len(cat.Resources))
	for i := range cat.Resources {
		res := &cat.Resources[i]
		p, err := b.registry.Lookup(res.Type)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.Ref(), err)
		}
		g.nodes[i] = Node{Index: i, Resource: res, Provider: p}
		index[res.Ref()] = i
	}

	for _, rel := range cat.Relationships {
		from, ok := index[rel.Before]
		if !ok {
			return nil, fmt.Errorf("relationship references unknown resource: %s", rel.Before)
		}
		to, ok := index[rel.After]
		if !ok {
			return nil, fmt.Errorf("relationship references unknown resource: %s", rel.After)
		}
		g.out[from] = append(g.out[from], len(g.edges))
		g.edges = append(g.edges, Edge{From: from, To: to, Kind: rel.Kind})
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	g.order = g.topoOrder()
	return g, nil
}

// Len returns the number of resources in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node at the given arena index.
func (g *Graph) Node(i int) *Node {
	return &g.nodes[i]
}

// Order returns the apply order as arena indices.
func (g *Graph) Order() []int {
	return g.order
}

// Dependents returns the transitive closure of nodes reachable from i via
// require and before edges. These are the resources skipped when i fails;
// refresh-only edges do not propagate failure.
func (g *Graph) Dependents(i int) []int {
	seen := make(map[int]bool)
	var walk func(int)
	walk = func(n int) {
		for _, ei := range g.out[n] {
			e := g.edges[ei]
			if e.Kind.Refresh() {
				continue
			}
			if !seen[e.To] {
				seen[e.To] = true
				walk(e.To)
			}
		}
	}
	walk(i)

	deps := make([]int, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			deps = append(deps, n)
		}
	}
	return deps
}

// RefreshTargets returns the direct downstream nodes connected to i by a
// notify or subscribe edge.
func (g *Graph) RefreshTargets(i int) []int {
	var targets []int
	for _, ei := range g.out[i] {
		e := g.edges[ei]
		if e.Kind.Refresh() {
			targets = append(targets, e.To)
		}
	}
	return targets
}

// findCycle runs a depth-first traversal with recursion-stack marking and
// returns the refs of the first cycle found, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make([]int, len(g.nodes))
	path := make([]int, 0, len(g.nodes))

	var visit func(int) []string
	visit = func(n int) []string {
		state[n] = inStack
		path = append(path, n)

		for _, ei := range g.out[n] {
			next := g.edges[ei].To
			switch state[next] {
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case inStack:
				// Trim the path to the minimal cycle.
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				refs := make([]string, 0, len(path)-start+1)
				for _, p := range path[start:] {
					refs = append(refs, g.nodes[p].Resource.Ref())
				}
				return append(refs, g.nodes[next].Resource.Ref())
			}
		}

		path = path[:len(path)-1]
		state[n] = done
		return nil
	}

	for n := range g.nodes {
		if state[n] == unvisited {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoOrder computes a topological order, always selecting the
// lowest-declaration-index ready node first. Assumes the graph is acyclic.
func (g *Graph) topoOrder() []int {
	inDegree := make([]int, len(g.nodes))
	for _, e := range g.edges {
		inDegree[e.To]++
	}

	order := make([]int, 0, len(g.nodes))
	placed := make([]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		next := -1
		for n := range g.nodes {
			if !placed[n] && inDegree[n] == 0 {
				next = n
				break
			}
		}
		if next < 0 {
			// Unreachable after cycle detection.
			break
		}
		placed[next] = true
		order = append(order, next)
		for _, ei := range g.out[next] {
			inDegree[g.edges[ei].To]--
		}
	}
	return order
}
