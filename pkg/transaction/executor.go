// Package transaction applies a dependency graph as a single sequential
// transaction: resources run in topological order, failure is localized to
// the failing resource and its dependents, and refresh edges schedule
// post-apply refresh actions on changed upstreams.
package transaction

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/catalog"
	"github.com/openconverge/openconverge/pkg/graph"
	"github.com/openconverge/openconverge/pkg/provider"
	"github.com/openconverge/openconverge/pkg/report"
)

// Options control one transaction.
type Options struct {
	// Noop observes state but never invokes Apply or Refresh.
	Noop bool
}

// Summary aggregates per-resource outcomes for the caller.
type Summary struct {
	Applied   int
	Unchanged int
	Failed    int
	Skipped   int
	Refreshed int
}

// Executor walks a graph in dependency order, strictly sequentially.
// Deferred parameter values are evaluated here, at apply time, never
// earlier and never memoized across runs.
type Executor struct {
	evaluator *catalog.Evaluator
	logger    zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(evaluator *catalog.Evaluator, logger zerolog.Logger) *Executor {
	return &Executor{
		evaluator: evaluator,
		logger:    logger.With().Str("component", "transaction").Logger(),
	}
}

// Apply runs the transaction, recording one event per resource (plus one per
// refresh action) into the assembler. Resource failures do not abort the
// run; they skip dependents reachable via require/before edges while
// unrelated branches continue.
func (x *Executor) Apply(ctx context.Context, g *graph.Graph, asm *report.Assembler, opts Options) *Summary {
	statuses := make([]ApplyStatus, g.Len())
	skipCause := make([]string, g.Len())
	refreshPending := make([]bool, g.Len())
	for i := range statuses {
		statuses[i] = StatusPending
	}

	summary := &Summary{}

	for _, i := range g.Order() {
		node := g.Node(i)
		ref := node.Resource.Ref()
		log := x.logger.With().Str("resource", ref).Logger()

		if statuses[i] == StatusSkipped {
			summary.Skipped++
			asm.Record(report.Event{
				Resource: ref,
				Action:   report.ActionApply,
				Status:   string(StatusSkipped),
				Failure:  fmt.Sprintf("skipped: dependency %s failed", skipCause[i]),
			})
			log.Warn().Str("dependency", skipCause[i]).Msg("Resource skipped")
			continue
		}

		// Sensitivity comes from the raw parameters, before resolution:
		// a deferred call over a Sensitive argument can fail with the
		// argument quoted in the error.
		sensitive := catalog.IsSensitive(node.Resource.Parameters)

		params, err := x.evaluator.ResolveParameters(ctx, node.Resource.Parameters)
		if err != nil {
			x.fail(g, i, statuses, skipCause, asm, summary, sensitive, err)
			continue
		}

		current, err := node.Provider.Read(ctx, node.Resource, params)
		if err != nil {
			x.fail(g, i, statuses, skipCause, asm, summary, sensitive, err)
			continue
		}

		if opts.Noop {
			x.noop(ctx, g, i, node, params, current, statuses, skipCause, asm, summary, sensitive)
			continue
		}

		result, err := node.Provider.Apply(ctx, node.Resource, params, current)
		if err != nil {
			x.fail(g, i, statuses, skipCause, asm, summary, sensitive, err)
			continue
		}

		if result.Changed {
			statuses[i] = StatusApplied
			summary.Applied++
			asm.Record(report.Event{
				Resource:  ref,
				Action:    report.ActionApply,
				Status:    string(StatusApplied),
				Old:       result.Old,
				New:       result.New,
				Message:   result.Message,
				Sensitive: sensitive,
			})
			log.Info().Msg("Resource changed")
			for _, t := range g.RefreshTargets(i) {
				refreshPending[t] = true
			}
		} else {
			statuses[i] = StatusUnchanged
			summary.Unchanged++
			asm.Record(report.Event{
				Resource:  ref,
				Action:    report.ActionApply,
				Status:    string(StatusUnchanged),
				Sensitive: sensitive,
			})
		}

		// A refresh runs after the resource's own apply step, never
		// instead of it.
		if refreshPending[i] && statuses[i].Succeeded() {
			if err := x.refresh(ctx, node, params, asm, summary); err != nil {
				x.failRefresh(g, i, statuses, skipCause, asm, summary, sensitive, err)
			}
		}
	}

	return summary
}

// noop records what one resource would do without touching it. Providers
// that can plan report the would-change verdict; others are recorded as
// unchanged.
func (x *Executor) noop(ctx context.Context, g *graph.Graph, i int, node *graph.Node, params, current map[string]any, statuses []ApplyStatus, skipCause []string, asm *report.Assembler, summary *Summary, sensitive bool) {
	ref := node.Resource.Ref()

	planned := &provider.Result{}
	if planner, ok := node.Provider.(provider.Planner); ok {
		var err error
		planned, err = planner.Plan(ctx, node.Resource, params, current)
		if err != nil {
			x.fail(g, i, statuses, skipCause, asm, summary, sensitive, err)
			return
		}
	}

	if planned.Changed {
		statuses[i] = StatusWouldChange
		summary.Applied++
		message := planned.Message
		if message == "" {
			message = "would change"
		}
		asm.Record(report.Event{
			Resource:  ref,
			Action:    report.ActionApply,
			Status:    string(StatusWouldChange),
			Old:       planned.Old,
			New:       planned.New,
			Message:   message,
			Sensitive: sensitive,
		})
		x.logger.Info().Str("resource", ref).Msg("Resource would change")
		return
	}

	statuses[i] = StatusUnchanged
	summary.Unchanged++
	asm.Record(report.Event{
		Resource:  ref,
		Action:    report.ActionApply,
		Status:    string(StatusUnchanged),
		Message:   "noop",
		Sensitive: sensitive,
	})
}

func (x *Executor) refresh(ctx context.Context, node *graph.Node, params map[string]any, asm *report.Assembler, summary *Summary) error {
	refresher, ok := node.Provider.(provider.Refresher)
	if !ok {
		return nil
	}
	if err := refresher.Refresh(ctx, node.Resource, params); err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	summary.Refreshed++
	asm.Record(report.Event{
		Resource: node.Resource.Ref(),
		Action:   report.ActionRefresh,
		Status:   "refreshed",
	})
	x.logger.Info().Str("resource", node.Resource.Ref()).Msg("Resource refreshed")
	return nil
}

// failRefresh records a refresh failure after a successful apply. The apply
// already produced its own event and tally; the refresh failure gets a
// refresh-action event of its own, fails the resource, and skips dependents.
func (x *Executor) failRefresh(g *graph.Graph, i int, statuses []ApplyStatus, skipCause []string, asm *report.Assembler, summary *Summary, sensitive bool, err error) {
	ref := g.Node(i).Resource.Ref()
	statuses[i] = StatusFailed
	summary.Failed++
	asm.Record(report.Event{
		Resource:  ref,
		Action:    report.ActionRefresh,
		Status:    string(StatusFailed),
		Failure:   err.Error(),
		Sensitive: sensitive,
	})
	if sensitive {
		x.logger.Error().Str("resource", ref).Msg("Resource refresh failed; error withheld, parameters are sensitive")
	} else {
		x.logger.Error().Err(err).Str("resource", ref).Msg("Resource refresh failed")
	}

	x.skipDependents(g, i, statuses, skipCause, ref)
}

// fail records the failure event for node i and marks every transitive
// dependent reachable via require/before edges as skipped.
func (x *Executor) fail(g *graph.Graph, i int, statuses []ApplyStatus, skipCause []string, asm *report.Assembler, summary *Summary, sensitive bool, err error) {
	ref := g.Node(i).Resource.Ref()
	statuses[i] = StatusFailed
	summary.Failed++
	asm.Record(report.Event{
		Resource:  ref,
		Action:    report.ActionApply,
		Status:    string(StatusFailed),
		Failure:   err.Error(),
		Sensitive: sensitive,
	})
	if sensitive {
		x.logger.Error().Str("resource", ref).Msg("Resource failed; error withheld, parameters are sensitive")
	} else {
		x.logger.Error().Err(err).Str("resource", ref).Msg("Resource failed")
	}

	x.skipDependents(g, i, statuses, skipCause, ref)
}

func (x *Executor) skipDependents(g *graph.Graph, i int, statuses []ApplyStatus, skipCause []string, ref string) {
	for _, d := range g.Dependents(i) {
		if statuses[d] == StatusPending {
			statuses[d] = StatusSkipped
			skipCause[d] = ref
		}
	}
}
