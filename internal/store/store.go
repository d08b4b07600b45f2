package store

import (
	"context"
	"time"
)

// Store defines the persistence operations the experiment core depends on.
// Implementations must provide two guarantees: at most one assignment per
// (experiment, visitor) pair under concurrent CreateAssignment calls, and
// atomic counter increments in RecordEvent (no read-modify-write).
type Store interface {
	// Experiment operations
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context) ([]*Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, status ExperimentStatus, startDate, endDate *time.Time, winnerVariantID *string) error

	// Assignment operations
	GetAssignment(ctx context.Context, experimentID, visitorID string) (*Assignment, error)
	GetAssignmentByID(ctx context.Context, id string) (*Assignment, error)
	// CreateAssignment inserts the assignment unless one already exists
	// for (ExperimentID, VisitorID). It returns the persisted row and
	// whether this call created it.
	CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error)

	// Event operations
	// RecordEvent inserts the event and applies delta to the owning
	// variant's aggregates in a single transaction.
	RecordEvent(ctx context.Context, ev *Event, delta CounterDelta) error
	GetEvents(ctx context.Context, experimentID string) ([]*Event, error)
	AggregateEvents(ctx context.Context, experimentID string, from, to time.Time) ([]VariantAggregate, error)

	// Settings (host collaborator surface)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}
