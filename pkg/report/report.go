// Package report assembles the outcome of a convergence run: per-resource
// events, aggregate metrics, and the overall status, persisted atomically so
// operators never read a half-written report.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openconverge/openconverge/pkg/catalog"
)

// Status is the overall outcome of a run.
type Status string

const (
	// StatusUnchanged means every resource was already in desired state.
	StatusUnchanged Status = "unchanged"

	// StatusChanged means at least one resource changed and none failed.
	StatusChanged Status = "changed"

	// StatusFailed means at least one resource failed or the graph was
	// invalid.
	StatusFailed Status = "failed"
)

// Action distinguishes a normal apply event from a refresh event.
type Action string

const (
	ActionApply   Action = "apply"
	ActionRefresh Action = "refresh"
)

// Event records the outcome of one resource step.
type Event struct {
	ID       string    `json:"id"`
	Resource string    `json:"resource"`
	Action   Action    `json:"action"`

	// Status is the executor's per-resource outcome: applied, unchanged,
	// failed, or skipped.
	Status string `json:"status"`

	// Old and New are the observed and enforced values. For a failed
	// resource New is empty and Failure carries the message. Both are
	// redacted when Sensitive is set.
	Old any    `json:"old,omitempty"`
	New any    `json:"new,omitempty"`
	Failure string `json:"failure,omitempty"`

	Message   string    `json:"message,omitempty"`
	Sensitive bool      `json:"sensitive,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics aggregates per-resource outcomes.
type Metrics struct {
	Total     int           `json:"total"`
	Changed   int           `json:"changed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Unchanged int           `json:"unchanged"`
	Refreshed int           `json:"refreshed"`
	Duration  time.Duration `json:"duration"`
}

// Report is the full outcome of one convergence run.
type Report struct {
	ID             string    `json:"id"`
	Node           string    `json:"node"`
	Environment    string    `json:"environment"`
	CatalogVersion string    `json:"catalog_version,omitempty"`

	// Server identifies which server supplied the catalog. Set only when
	// server discovery used a multi-server list.
	Server string `json:"server,omitempty"`

	// FromCache marks runs that applied the cached catalog.
	FromCache bool `json:"from_cache,omitempty"`

	Noop bool `json:"noop,omitempty"`

	Status  Status  `json:"status"`
	Events  []Event `json:"events"`
	Metrics Metrics `json:"metrics"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Assembler folds the executor's event stream into a report, redacting
// sensitive event content as it is recorded.
type Assembler struct {
	report *Report
}

// NewAssembler starts a report for one run.
func NewAssembler(node, environment, catalogVersion string) *Assembler {
	return &Assembler{
		report: &Report{
			ID:             uuid.New().String(),
			Node:           node,
			Environment:    environment,
			CatalogVersion: catalogVersion,
			StartedAt:      time.Now(),
		},
	}
}

// SetServer attaches the identity of the server that produced the catalog.
// Call only when a multi-server list was used for discovery.
func (a *Assembler) SetServer(server string) {
	a.report.Server = server
}

// SetFromCache marks the run as applied from the cached catalog.
func (a *Assembler) SetFromCache(fromCache bool) {
	a.report.FromCache = fromCache
}

// SetNoop marks the run as a no-op simulation.
func (a *Assembler) SetNoop(noop bool) {
	a.report.Noop = noop
}

// Record adds an event. Sensitive events have their values replaced with
// the redaction marker before they enter the report.
func (a *Assembler) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Sensitive {
		if e.Old != nil {
			e.Old = catalog.Redacted
		}
		if e.New != nil {
			e.New = catalog.Redacted
		}
		// Failure text may quote a sensitive value, for example a deferred
		// call that could not read its secret input.
		if e.Failure != "" {
			e.Failure = catalog.Redacted
		}
	} else {
		e.Old = catalog.Redact(e.Old)
		e.New = catalog.Redact(e.New)
	}
	a.report.Events = append(a.report.Events, e)
}

// Finalize computes metrics and overall status and returns the report.
// graphInvalid forces a failed status even when no resource event failed.
func (a *Assembler) Finalize(graphInvalid bool) *Report {
	r := a.report
	r.CompletedAt = time.Now()
	r.Metrics = Metrics{Duration: r.CompletedAt.Sub(r.StartedAt)}

	for i := range r.Events {
		e := &r.Events[i]
		if e.Action == ActionRefresh {
			if e.Status == "failed" {
				r.Metrics.Failed++
			} else {
				r.Metrics.Refreshed++
			}
			continue
		}
		r.Metrics.Total++
		switch e.Status {
		case "applied", "would_change":
			r.Metrics.Changed++
		case "failed":
			r.Metrics.Failed++
		case "skipped":
			r.Metrics.Skipped++
		case "unchanged":
			r.Metrics.Unchanged++
		}
	}

	switch {
	case graphInvalid || r.Metrics.Failed > 0:
		r.Status = StatusFailed
	case r.Metrics.Changed > 0 || r.Metrics.Refreshed > 0:
		r.Status = StatusChanged
	default:
		r.Status = StatusUnchanged
	}
	return r
}

// Persist writes the report atomically: full write to a temp file in the
// destination directory, then rename.
func Persist(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace report: %w", err)
	}
	return nil
}

// Load reads a persisted report.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}
