// Package store persists experiments, variants, assignments, events,
// and results snapshots. Two implementations: MemoryStore for tests and
// single-node development, PostgresStore for production.
package store

import (
	"context"
	"time"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/experiment"
)

// EventStats is the raw per-variant aggregate the statistics engine
// consumes: distinct identities with any event, conversion-typed event
// count, and the sum of numeric event values.
type EventStats struct {
	SampleSize  int64
	Conversions int64
	TotalValue  float64
}

// Store is the durable persistence contract for the engine. All methods
// returning (bool, error) report whether a row actually changed, so the
// engine can implement the silent no-op semantics of pause/complete on
// experiments that are not in the expected state.
type Store interface {
	// CreateExperimentWithVariants inserts the experiment and all its
	// variants atomically. Either everything exists afterwards or
	// nothing does.
	CreateExperimentWithVariants(ctx context.Context, exp *experiment.Experiment, variants []experiment.Variant) error

	// GetExperiment returns api.ErrNotFound for unknown ids.
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)

	// ListExperiments returns a page of experiments plus the unpaged total.
	ListExperiments(ctx context.Context, filter api.ListFilter, limit, offset int) ([]*experiment.Experiment, int, error)

	GetVariants(ctx context.Context, experimentID string) ([]experiment.Variant, error)

	// GetAssignment returns (nil, nil) when no assignment exists.
	GetAssignment(ctx context.Context, experimentID, identityKey string) (*experiment.Assignment, error)

	// InsertOrGetAssignment atomically inserts the assignment or, when a
	// concurrent request already created one for the same
	// (experiment, identity), returns the existing row. The returned
	// assignment is authoritative.
	InsertOrGetAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, error)

	// SetFirstExposure stamps the assignment's first-exposure time.
	// First write wins; later calls are no-ops.
	SetFirstExposure(ctx context.Context, experimentID, identityKey string, at time.Time) error

	// AppendEvent writes an immutable event row.
	AppendEvent(ctx context.Context, ev *experiment.Event) error

	// EventStatsByVariant aggregates events for the statistics engine,
	// keyed by variant id.
	EventStatsByVariant(ctx context.Context, experimentID string) (map[string]EventStats, error)

	// DeleteEventsBefore prunes events older than the cutoff. Used only
	// for archived experiments. Returns the number of rows removed.
	DeleteEventsBefore(ctx context.Context, experimentID string, before time.Time) (int64, error)

	// StartExperiment moves draft -> active. False when the experiment
	// exists but is not draft.
	StartExperiment(ctx context.Context, id string, at time.Time) (bool, error)

	// PauseExperiment moves active -> paused. False (no error) when the
	// experiment is not active.
	PauseExperiment(ctx context.Context, id string, at time.Time, reason string) (bool, error)

	// ResumeExperiment moves paused -> active.
	ResumeExperiment(ctx context.Context, id string, at time.Time) (bool, error)

	// CompleteExperiment moves active/paused -> completed, stamps the
	// winner, and persists the final snapshots, all in one transaction.
	// False (no error) when the experiment is already completed.
	CompleteExperiment(ctx context.Context, id string, at time.Time, winnerVariantID *string, snapshots []experiment.Snapshot) (bool, error)

	// ArchiveExperiment moves completed -> archived.
	ArchiveExperiment(ctx context.Context, id string, at time.Time) (bool, error)

	// UpsertSnapshots idempotently writes periodic snapshot rows keyed by
	// (experiment, variant, metric, type). Final snapshots written at
	// completion are never overwritten by periodic recomputation.
	UpsertSnapshots(ctx context.Context, snapshots []experiment.Snapshot) error

	// GetSnapshots returns snapshot rows for an experiment, optionally
	// filtered by snapshot type ("" means all).
	GetSnapshots(ctx context.Context, experimentID, snapshotType string) ([]experiment.Snapshot, error)

	// Close releases resources.
	Close() error
}
