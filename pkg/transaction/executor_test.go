package transaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openconverge/openconverge/pkg/catalog"
	"github.com/openconverge/openconverge/pkg/graph"
	"github.com/openconverge/openconverge/pkg/provider"
	"github.com/openconverge/openconverge/pkg/report"
)

// fakeProvider scripts per-resource behavior by title.
type fakeProvider struct {
	changed     map[string]bool
	failApply   map[string]error
	failRefresh map[string]error
	refreshed   []string
	applied     []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		changed:     make(map[string]bool),
		failApply:   make(map[string]error),
		failRefresh: make(map[string]error),
	}
}

func (p *fakeProvider) Read(_ context.Context, res *catalog.Resource, _ map[string]any) (map[string]any, error) {
	return map[string]any{"state": "observed"}, nil
}

func (p *fakeProvider) Apply(_ context.Context, res *catalog.Resource, _ map[string]any, _ map[string]any) (*provider.Result, error) {
	if err := p.failApply[res.Title]; err != nil {
		return nil, err
	}
	p.applied = append(p.applied, res.Title)
	if p.changed[res.Title] {
		return &provider.Result{Changed: true, Old: "before", New: "after"}, nil
	}
	return &provider.Result{Changed: false}, nil
}

func (p *fakeProvider) Refresh(_ context.Context, res *catalog.Resource, _ map[string]any) error {
	if err := p.failRefresh[res.Title]; err != nil {
		return err
	}
	p.refreshed = append(p.refreshed, res.Title)
	return nil
}

// planningProvider also reports would-change verdicts for noop runs.
type planningProvider struct {
	*fakeProvider
}

func (p *planningProvider) Plan(_ context.Context, res *catalog.Resource, _, _ map[string]any) (*provider.Result, error) {
	if err := p.failApply[res.Title]; err != nil {
		return nil, err
	}
	if p.changed[res.Title] {
		return &provider.Result{Changed: true, Old: "before", New: "after", Message: "would update"}, nil
	}
	return &provider.Result{Changed: false}, nil
}

func execGraph(t *testing.T, p provider.Provider, cat *catalog.Catalog) *graph.Graph {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register("file", p)
	registry.Register("exec", p)
	g, err := graph.NewBuilder(registry).Build(cat)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

func runExecutor(t *testing.T, g *graph.Graph, opts Options) (*Summary, *report.Report) {
	t.Helper()
	asm := report.NewAssembler("node", "production", "v1")
	x := NewExecutor(catalog.NewEvaluator(time.Second), zerolog.Nop())
	summary := x.Apply(context.Background(), g, asm, opts)
	return summary, asm.Finalize(false)
}

func TestApply_AllUnchanged(t *testing.T) {
	p := newFakeProvider()
	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "a"},
			{Type: "file", Title: "b"},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Unchanged != 2 || summary.Applied != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if rep.Status != report.StatusUnchanged {
		t.Errorf("status = %s", rep.Status)
	}
}

func TestApply_FailureSkipsDependents(t *testing.T) {
	p := newFakeProvider()
	p.failApply["a"] = errors.New("disk full")

	// a -> b -> c required chain; d is unrelated and must still run.
	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "a"},
			{Type: "file", Title: "b"},
			{Type: "file", Title: "c"},
			{Type: "file", Title: "d"},
		},
		Relationships: []catalog.Relationship{
			{Before: "File[a]", After: "File[b]", Kind: catalog.KindRequire},
			{Before: "File[b]", After: "File[c]", Kind: catalog.KindRequire},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
	if summary.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", summary.Skipped)
	}
	if summary.Unchanged != 1 {
		t.Errorf("unchanged = %d, want 1 (unrelated resource must run)", summary.Unchanged)
	}
	if rep.Status != report.StatusFailed {
		t.Errorf("status = %s", rep.Status)
	}

	// Skip events name the failed dependency.
	var foundSkip bool
	for _, e := range rep.Events {
		if e.Status == "skipped" {
			foundSkip = true
			if e.Failure == "" {
				t.Error("skip event has no cause")
			}
		}
	}
	if !foundSkip {
		t.Error("no skip event recorded")
	}
}

func TestApply_NotifyRefreshAfterChange(t *testing.T) {
	p := newFakeProvider()
	p.changed["conf"] = true

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "conf"},
			{Type: "exec", Title: "reload"},
		},
		Relationships: []catalog.Relationship{
			{Before: "File[conf]", After: "Exec[reload]", Kind: catalog.KindNotify},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Applied != 1 {
		t.Errorf("applied = %d", summary.Applied)
	}
	if summary.Refreshed != 1 {
		t.Errorf("refreshed = %d, want 1", summary.Refreshed)
	}
	if len(p.refreshed) != 1 || p.refreshed[0] != "reload" {
		t.Errorf("refreshed resources = %v", p.refreshed)
	}
	// Refresh runs after the target's own apply, not instead of it.
	if len(p.applied) != 2 {
		t.Errorf("applied resources = %v", p.applied)
	}
	if rep.Metrics.Refreshed != 1 {
		t.Errorf("report refreshed = %d", rep.Metrics.Refreshed)
	}
}

func TestApply_NoRefreshWithoutChange(t *testing.T) {
	p := newFakeProvider()

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "conf"},
			{Type: "exec", Title: "reload"},
		},
		Relationships: []catalog.Relationship{
			{Before: "File[conf]", After: "Exec[reload]", Kind: catalog.KindNotify},
		},
	}

	summary, _ := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Refreshed != 0 {
		t.Errorf("refreshed = %d, want 0", summary.Refreshed)
	}
	if len(p.refreshed) != 0 {
		t.Errorf("refreshed resources = %v", p.refreshed)
	}
}

func TestApply_NoopNeverApplies(t *testing.T) {
	p := newFakeProvider()
	p.changed["a"] = true

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "a"},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{Noop: true})
	if summary.Applied != 0 || summary.Unchanged != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(p.applied) != 0 {
		t.Errorf("noop run invoked Apply on %v", p.applied)
	}
	if rep.Events[0].Message != "noop" {
		t.Errorf("event message = %q", rep.Events[0].Message)
	}
}

func TestApply_SensitiveEventsRedacted(t *testing.T) {
	p := newFakeProvider()
	p.changed["secret"] = true

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{
				Type:  "file",
				Title: "secret",
				Parameters: map[string]any{
					"content": catalog.Sensitive{Value: "hunter2"},
				},
			},
		},
	}

	_, rep := runExecutor(t, execGraph(t, p, cat), Options{})
	e := rep.Events[0]
	if !e.Sensitive {
		t.Fatal("event not marked sensitive")
	}
	if e.Old != catalog.Redacted || e.New != catalog.Redacted {
		t.Errorf("old/new = %v/%v, want redacted", e.Old, e.New)
	}
}

func TestApply_NoopReportsWouldChange(t *testing.T) {
	p := &planningProvider{fakeProvider: newFakeProvider()}
	p.changed["a"] = true

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "a"},
			{Type: "file", Title: "b"},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{Noop: true})
	if len(p.applied) != 0 {
		t.Fatalf("noop run invoked Apply on %v", p.applied)
	}
	if summary.Applied != 1 || summary.Unchanged != 1 {
		t.Errorf("summary = %+v", summary)
	}

	var would *report.Event
	for i := range rep.Events {
		if rep.Events[i].Resource == "File[a]" {
			would = &rep.Events[i]
		}
	}
	if would == nil {
		t.Fatal("no event for the pending resource")
	}
	if would.Status != "would_change" || would.Message != "would update" {
		t.Errorf("event = %+v", would)
	}
	if would.Old != "before" || would.New != "after" {
		t.Errorf("old/new = %v/%v", would.Old, would.New)
	}
	// Pending changes count as changes in the report.
	if rep.Status != report.StatusChanged || rep.Metrics.Changed != 1 {
		t.Errorf("status = %s, changed = %d", rep.Status, rep.Metrics.Changed)
	}
}

func TestApply_RefreshFailureRecordedAsRefreshEvent(t *testing.T) {
	p := newFakeProvider()
	p.changed["conf"] = true
	p.failRefresh["reload"] = errors.New("service wedged")

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{Type: "file", Title: "conf"},
			{Type: "exec", Title: "reload"},
		},
		Relationships: []catalog.Relationship{
			{Before: "File[conf]", After: "Exec[reload]", Kind: catalog.KindNotify},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}

	// The successful apply of the target keeps its single apply event;
	// the refresh failure is a refresh-action event, not a second apply.
	var applyEvents, refreshFailures int
	for _, e := range rep.Events {
		if e.Resource != "Exec[reload]" {
			continue
		}
		switch e.Action {
		case report.ActionApply:
			applyEvents++
			if e.Status != "unchanged" {
				t.Errorf("apply event status = %s", e.Status)
			}
		case report.ActionRefresh:
			if e.Status == "failed" {
				refreshFailures++
				if e.Failure == "" {
					t.Error("refresh failure event has no cause")
				}
			}
		}
	}
	if applyEvents != 1 {
		t.Errorf("apply events for the target = %d, want 1", applyEvents)
	}
	if refreshFailures != 1 {
		t.Errorf("refresh failure events = %d, want 1", refreshFailures)
	}

	if rep.Metrics.Failed != 1 || rep.Metrics.Refreshed != 0 {
		t.Errorf("metrics = %+v", rep.Metrics)
	}
	if rep.Metrics.Total != 2 {
		t.Errorf("total = %d, want 2", rep.Metrics.Total)
	}
	if rep.Status != report.StatusFailed {
		t.Errorf("status = %s", rep.Status)
	}
}

func TestApply_SensitiveDeferredFailureRedacted(t *testing.T) {
	p := newFakeProvider()

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{
				Type:  "file",
				Title: "secret",
				Parameters: map[string]any{
					"content": &catalog.Deferred{
						Name:      "file",
						Arguments: []any{catalog.Sensitive{Value: "/nonexistent/hunter2-secret-path"}},
					},
				},
			},
		},
	}

	summary, rep := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	e := rep.Events[0]
	if !e.Sensitive {
		t.Fatal("event not marked sensitive")
	}
	if e.Failure != catalog.Redacted {
		t.Errorf("failure = %q, want %q", e.Failure, catalog.Redacted)
	}
	if strings.Contains(e.Failure, "hunter2") {
		t.Errorf("failure leaks the sensitive path: %q", e.Failure)
	}
}

func TestApply_DeferredResolutionFailureFailsResource(t *testing.T) {
	p := newFakeProvider()

	cat := &catalog.Catalog{
		Resources: []catalog.Resource{
			{
				Type:  "file",
				Title: "a",
				Parameters: map[string]any{
					"content": &catalog.Deferred{Name: "unregistered"},
				},
			},
			{Type: "file", Title: "b"},
		},
		Relationships: []catalog.Relationship{
			{Before: "File[a]", After: "File[b]", Kind: catalog.KindRequire},
		},
	}

	summary, _ := runExecutor(t, execGraph(t, p, cat), Options{})
	if summary.Failed != 1 || summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
}
