package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openconverge/openconverge/pkg/catalog"
	"github.com/openconverge/openconverge/pkg/client"
	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/facts"
	"github.com/openconverge/openconverge/pkg/graph"
	"github.com/openconverge/openconverge/pkg/policy"
	"github.com/openconverge/openconverge/pkg/provider"
	"github.com/openconverge/openconverge/pkg/report"
	"github.com/openconverge/openconverge/pkg/stores"
	"github.com/openconverge/openconverge/pkg/telemetry"
	"github.com/openconverge/openconverge/pkg/transaction"
)

// maxEnvironmentRestarts bounds server-directed environment switches. One
// restart re-runs discovery under the served environment; if the server
// still disagrees, its second answer is authoritative and applied as-is.
const maxEnvironmentRestarts = 1

// Runner executes convergence runs.
type Runner struct {
	settings *config.Settings
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    stores.Store
	version  string
}

// NewRunner creates a runner. store may be nil to disable run history.
func NewRunner(settings *config.Settings, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, store stores.Store, version string) *Runner {
	return &Runner{
		settings: settings,
		logger:   logger.NewComponentLogger("agent"),
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		version:  version,
	}
}

// Converge performs one full convergence run under the run lock. The
// returned report is nil when the run never obtained a catalog.
func (r *Runner) Converge(ctx context.Context) (Outcome, *report.Report, error) {
	start := time.Now()
	r.metrics.RecordRunStarted()

	lock := NewRunLock(r.settings.LockPath())
	state, err := lock.Acquire(ctx, r.settings.WaitForLock, r.settings.MaxWaitForLock)
	if err != nil {
		// Not contention: the lock file itself could not be managed.
		return OutcomeFailed, nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	switch state {
	case LockBusy:
		r.logger.Warn("Run already in progress; exiting")
		err := NewError(ErrorClassLockContention, fmt.Sprintf("run already in progress (pid %d)", lock.Holder()), nil)
		return r.finish(OutcomeLockContention, nil, err, start)
	case LockTimedOut:
		r.logger.Warn("Run already in progress; wait timed out")
		err := NewError(ErrorClassLockContention, "timed out waiting for a concurrent run to finish", nil)
		return r.finish(OutcomeLockContention, nil, err, start)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			r.logger.WithError(rerr).Warn("Failed to release run lock")
		}
	}()

	outcome, rep, err := r.converge(ctx)
	return r.finish(outcome, rep, err, start)
}

func (r *Runner) finish(outcome Outcome, rep *report.Report, err error, start time.Time) (Outcome, *report.Report, error) {
	r.metrics.RecordRunCompleted(string(outcome), time.Since(start))
	if class := ClassOf(err); class != "" {
		r.metrics.RecordError(string(class))
	}
	r.recordHistory(rep, outcome, err, start)
	return outcome, rep, err
}

// converge runs the catalog pipeline with the lock already held.
func (r *Runner) converge(ctx context.Context) (Outcome, *report.Report, error) {
	ctx, span := r.tracer.StartRunSpan(ctx, "", r.settings.Environment)
	defer span.End()

	cli, err := client.New(client.Config{
		NodeName: r.settings.NodeName,
		Timeout:  r.settings.Timeout,
		CABundle: r.settings.CABundle,
	}, r.logger.Zerolog())
	if err != nil {
		return OutcomeFailed, nil, NewError(ErrorClassCatalogUnavailable, "client setup failed", err)
	}

	environment := r.settings.Environment
	nodeFacts := facts.Collect(r.version)

	// Environment negotiation: the served catalog's environment wins. A
	// mismatch restarts discovery once under the new environment so the
	// right server set and cache semantics apply.
	for restarts := 0; ; restarts++ {
		src, err := r.obtainCatalog(ctx, cli, environment, nodeFacts)
		if err != nil {
			outcome := OutcomeForError(err)
			telemetry.RecordError(span, err)
			return outcome, nil, err
		}

		if !src.fromCache && src.cat.Environment != "" && src.cat.Environment != environment && restarts < maxEnvironmentRestarts {
			r.logger.WithEnvironment(src.cat.Environment).Infof(
				"Server directed environment switch from %s, restarting run", environment)
			r.metrics.RecordEnvironmentSwitch()
			environment = src.cat.Environment
			continue
		}
		if !src.fromCache && src.cat.Environment != "" {
			environment = src.cat.Environment
		}

		return r.apply(ctx, cli, src, environment)
	}
}

// catalogSource is a catalog plus where it came from.
type catalogSource struct {
	cat       *catalog.Catalog
	server    string
	usedList  bool
	fromCache bool
}

// obtainCatalog selects a server and fetches a catalog, falling back to
// the cached catalog when configured. Trust failures abort immediately
// and never fall back: an untrusted network position must not silently
// degrade the agent to stale data.
func (r *Runner) obtainCatalog(ctx context.Context, cli *client.Client, environment string, nodeFacts map[string]any) (*catalogSource, error) {
	ctx, span := r.tracer.StartPhaseSpan(ctx, "catalog")
	defer span.End()

	selector := client.NewSelector(cli, r.settings.ServerList, r.settings.Server, r.logger.Zerolog())
	selection, err := selector.Select(ctx)
	if err != nil {
		var trustErr *client.TrustError
		if errors.As(err, &trustErr) {
			return nil, NewError(ErrorClassTransportTrust, "server certificate verification failed", err).WithServer(trustErr.Server)
		}
		r.metrics.RecordCatalogFetch("selection_failed")
		if src, cerr := r.cachedCatalog(err); cerr == nil {
			return src, nil
		}
		return nil, NewError(ErrorClassServerUnreachable, "no functional server found", err)
	}

	cat, err := cli.FetchCatalog(ctx, selection.Server, environment, nodeFacts)
	if err != nil {
		var trustErr *client.TrustError
		if errors.As(err, &trustErr) {
			return nil, NewError(ErrorClassTransportTrust, "server certificate verification failed", err).WithServer(selection.Server)
		}
		r.logger.WithError(err).WithServer(selection.Server).Warn("Catalog fetch failed")
		r.metrics.RecordCatalogFetch("failed")
		if src, cerr := r.cachedCatalog(err); cerr == nil {
			return src, nil
		}
		return nil, NewError(ErrorClassCatalogUnavailable, "catalog could not be obtained", err).WithServer(selection.Server)
	}

	r.metrics.RecordCatalogFetch("ok")
	return &catalogSource{cat: cat, server: selection.Server, usedList: selection.UsedList}, nil
}

// cachedCatalog loads the cache fallback, carrying cause as context when
// fallback is disabled or the cache is empty.
func (r *Runner) cachedCatalog(cause error) (*catalogSource, error) {
	if !r.settings.UseCacheOnFailure {
		return nil, cause
	}
	cache := catalog.NewCache(r.settings.CachePath())
	cat, err := cache.Load()
	if err != nil {
		r.logger.WithError(err).Warn("Cache fallback unavailable")
		return nil, cause
	}
	r.logger.Info("Using cached catalog after fetch failure")
	r.metrics.RecordCacheFallback()
	return &catalogSource{cat: cat, fromCache: true}, nil
}

// apply validates the catalog, builds the graph, and runs the
// transaction. Validation and graph failures produce a failed report but
// leave the cached catalog untouched; resource failures update the cache
// because the catalog itself is good.
func (r *Runner) apply(ctx context.Context, cli *client.Client, src *catalogSource, environment string) (Outcome, *report.Report, error) {
	asm := report.NewAssembler(r.settings.NodeName, environment, src.cat.Version)
	if src.usedList {
		asm.SetServer(src.server)
	}
	asm.SetFromCache(src.fromCache)
	asm.SetNoop(r.settings.Noop)

	if err := r.validate(ctx, src.cat); err != nil {
		rep := asm.Finalize(true)
		r.persistReport(ctx, cli, src, rep)
		return OutcomeFailed, rep, err
	}

	g, err := r.build(ctx, cli, src)
	if err != nil {
		rep := asm.Finalize(true)
		r.persistReport(ctx, cli, src, rep)
		return OutcomeFailed, rep, err
	}

	applyCtx, span := r.tracer.StartPhaseSpan(ctx, "apply")
	evaluator := catalog.NewEvaluator(r.settings.DeferredTimeout)
	executor := transaction.NewExecutor(evaluator, r.logger.Zerolog())
	summary := executor.Apply(applyCtx, g, asm, transaction.Options{Noop: r.settings.Noop})
	span.End()

	// The catalog passed validation, so it is cacheable even when some
	// resources failed. Cached runs never rewrite their own source.
	if !src.fromCache && !r.settings.Noop {
		cache := catalog.NewCache(r.settings.CachePath())
		if err := cache.Store(src.cat); err != nil {
			r.logger.WithError(err).Warn("Failed to update catalog cache")
		}
	}

	rep := asm.Finalize(false)
	r.persistReport(ctx, cli, src, rep)
	r.recordResourceMetrics(rep)

	if summary.Failed > 0 {
		err := NewError(ErrorClassResourceFailure,
			fmt.Sprintf("%d resource(s) failed, %d skipped", summary.Failed, summary.Skipped), nil)
		return OutcomeFailed, rep, err
	}
	if rep.Status == report.StatusChanged {
		return OutcomeAppliedWithChanges, rep, nil
	}
	return OutcomeNoChanges, rep, nil
}

// validate runs catalog policy validation.
func (r *Runner) validate(ctx context.Context, cat *catalog.Catalog) error {
	ctx, span := r.tracer.StartPhaseSpan(ctx, "validate")
	defer span.End()

	engine, err := policy.NewEngine(r.logger.Zerolog())
	if err != nil {
		return NewError(ErrorClassGraphInvalid, "policy engine setup failed", err)
	}
	if r.settings.PolicyDir != "" {
		if err := engine.LoadDir(ctx, r.settings.PolicyDir); err != nil {
			return NewError(ErrorClassGraphInvalid, "operator policies failed to load", err)
		}
	}

	result, err := engine.Validate(ctx, cat)
	if err != nil {
		return NewError(ErrorClassGraphInvalid, "catalog validation failed", err)
	}
	for _, v := range result.Violations {
		if v.Severity == policy.SeverityWarning {
			r.logger.WithResource(v.Resource).Warnf("Policy %s: %s", v.Policy, v.Message)
		}
	}
	if !result.Valid {
		return NewError(ErrorClassGraphInvalid, "catalog rejected by policy", errors.New(result.Error()))
	}
	return nil
}

// build resolves providers and constructs the dependency graph.
func (r *Runner) build(ctx context.Context, cli *client.Client, src *catalogSource) (*graph.Graph, error) {
	_, span := r.tracer.StartPhaseSpan(ctx, "graph")
	defer span.End()

	registry := provider.NewRegistry()
	registry.Register("file", provider.NewFileProvider(cli.Source(src.server, src.cat)))
	registry.Register("exec", provider.NewExecProvider())
	registry.Register("notify", provider.NewNotifyProvider())

	g, err := graph.NewBuilder(registry).Build(src.cat)
	if err != nil {
		var cycleErr *graph.CycleError
		if errors.As(err, &cycleErr) {
			return nil, NewError(ErrorClassGraphInvalid, "dependency graph has a cycle", err)
		}
		return nil, NewError(ErrorClassGraphInvalid, "dependency graph could not be built", err)
	}
	return g, nil
}

// persistReport writes the report locally and submits it to the serving
// server. Both are best-effort relative to the run outcome; the local
// write is authoritative for operators.
func (r *Runner) persistReport(ctx context.Context, cli *client.Client, src *catalogSource, rep *report.Report) {
	if r.settings.Report {
		if err := report.Persist(r.settings.ReportPath(), rep); err != nil {
			r.logger.WithError(err).Error("Failed to persist run report")
		}
	}
	if r.settings.SubmitReport && src.server != "" && !src.fromCache {
		if err := cli.SubmitReport(ctx, src.server, rep); err != nil {
			r.logger.WithError(err).WithServer(src.server).Warn("Failed to submit run report")
		}
	}
}

func (r *Runner) recordResourceMetrics(rep *report.Report) {
	for i := range rep.Events {
		e := &rep.Events[i]
		if e.Action != report.ActionApply {
			continue
		}
		r.metrics.RecordResource(resourceType(e.Resource), e.Status, 0)
	}
}

// resourceType extracts the lowercased type from a Type[title] reference.
func resourceType(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '[' {
			t := ref[:i]
			if t == "" {
				return "unknown"
			}
			b := []byte(t)
			if b[0] >= 'A' && b[0] <= 'Z' {
				b[0] += 'a' - 'A'
			}
			return string(b)
		}
	}
	return "unknown"
}

// recordHistory stores the run and its events in the history database.
func (r *Runner) recordHistory(rep *report.Report, outcome Outcome, runErr error, start time.Time) {
	if r.store == nil || rep == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	record := &stores.RunRecord{
		ID:             rep.ID,
		Node:           rep.Node,
		Environment:    rep.Environment,
		CatalogVersion: rep.CatalogVersion,
		Server:         rep.Server,
		Outcome:        string(outcome),
		FromCache:      rep.FromCache,
		Noop:           rep.Noop,
		StartedAt:      start,
		CompletedAt:    rep.CompletedAt,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	if err := r.store.RecordRun(ctx, record); err != nil {
		r.logger.WithError(err).Warn("Failed to record run history")
		return
	}

	events := make([]*stores.EventRecord, 0, len(rep.Events))
	for i := range rep.Events {
		e := &rep.Events[i]
		msg := e.Message
		if e.Failure != "" {
			msg = e.Failure
		}
		events = append(events, &stores.EventRecord{
			RunID:     rep.ID,
			Resource:  e.Resource,
			Action:    string(e.Action),
			Status:    e.Status,
			Message:   msg,
			Timestamp: e.Timestamp,
		})
	}
	if err := r.store.RecordEvents(ctx, events); err != nil {
		r.logger.WithError(err).Warn("Failed to record run events")
	}
}
