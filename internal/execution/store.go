package execution

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an execution can't be found.
var ErrNotFound = errors.New("execution not found")

// ErrInvalidTransition is returned when a status change is not allowed by
// the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ListFilter narrows the result set of Store.List.
type ListFilter struct {
	Status Status
	Type   Type
	Entity string
	Limit  int
}

// Store persists executions. Implementations must make AddCounts and
// SetProgress safe under concurrent callers sharing one execution row.
type Store interface {
	// Create inserts a new execution row
	Create(ctx context.Context, ex *Execution) error

	// Get returns one execution by id
	Get(ctx context.Context, id uuid.UUID) (*Execution, error)

	// List returns executions matching the filter, newest first
	List(ctx context.Context, filter ListFilter) ([]*Execution, error)

	// FindActive returns the pending or running execution for an
	// (entity, year) pair, or ErrNotFound when none is active.
	// A nil year matches atemporal runs (e.g. catalog syncs).
	FindActive(ctx context.Context, execType Type, entity string, year *int) (*Execution, error)

	// LatestCompleted returns the most recently finished successful
	// execution of the given type, or ErrNotFound.
	LatestCompleted(ctx context.Context, execType Type) (*Execution, error)

	// SetStatus transitions an execution's status. Terminal statuses also
	// set finished_at; errMsg is recorded when non-empty.
	SetStatus(ctx context.Context, id uuid.UUID, status Status, errMsg string) error

	// SetPhase updates the current phase and free-text operation
	SetPhase(ctx context.Context, id uuid.UUID, phase Phase, operation string) error

	// AddCounts atomically increments the record counters
	AddCounts(ctx context.Context, id uuid.UUID, delta Counts) error

	// SetProgress raises progress_percentage to pct. Implementations must
	// never lower the persisted value (monotonic while running).
	SetProgress(ctx context.Context, id uuid.UUID, pct int) error

	// MarkInterrupted reclassifies every running execution as interrupted.
	// Called once at service startup, before any new run begins; returns
	// the number of orphans found.
	MarkInterrupted(ctx context.Context, reason string) (int64, error)

	// Statistics aggregates execution history
	Statistics(ctx context.Context) (*Statistics, error)
}
