package stores

import (
	"context"
	"time"
)

// RunRecord is one convergence run as stored in history.
type RunRecord struct {
	// ID is the run UUID, shared with the run report.
	ID string `json:"id"`

	// Node is the node name the run converged.
	Node string `json:"node"`

	// Environment is the environment the catalog was compiled for.
	Environment string `json:"environment"`

	// CatalogVersion is the version of the applied catalog.
	CatalogVersion string `json:"catalog_version"`

	// Server is the server that supplied the catalog, empty for
	// single-server or cached runs.
	Server string `json:"server,omitempty"`

	// Outcome is the run outcome (no_changes, applied_with_changes,
	// failed, lock_contention, transport_or_trust_failure).
	Outcome string `json:"outcome"`

	// FromCache indicates the run used the cached catalog.
	FromCache bool `json:"from_cache"`

	// Noop indicates the run evaluated without changing the system.
	Noop bool `json:"noop"`

	// Error holds the failure message for failed runs.
	Error string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// EventRecord is one resource event within a stored run.
type EventRecord struct {
	ID       int64  `json:"id"`
	RunID    string `json:"run_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Store is the run history persistence interface.
type Store interface {
	// Init opens the database and prepares it for use.
	Init(ctx context.Context) error

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// Close releases the database.
	Close() error

	// RecordRun stores a completed run.
	RecordRun(ctx context.Context, run *RunRecord) error

	// RecordEvents stores the resource events of a run.
	RecordEvents(ctx context.Context, events []*EventRecord) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns lists the most recent runs, newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// ListEvents lists the events of a run in recorded order.
	ListEvents(ctx context.Context, runID string) ([]*EventRecord, error)

	// Prune deletes runs older than the cutoff, with their events.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
