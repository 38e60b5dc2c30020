// Package execution tracks the lifecycle of ETL runs: their state machine,
// progress counters and persistence.
package execution

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of run an execution records.
type Type string

const (
	// TypeSeeding is a full-year load of one entity
	TypeSeeding Type = "seeding"

	// TypeSync is an incremental load over an explicit date window
	TypeSync Type = "sync"

	// TypeSyncCatalogos is a refresh of the reference catalogs
	TypeSyncCatalogos Type = "sync_catalogos"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	// StatusPending means the execution has been created but not started
	StatusPending Status = "pending"

	// StatusRunning means the execution is in progress
	StatusRunning Status = "running"

	// StatusCompleted means the execution finished successfully
	StatusCompleted Status = "completed"

	// StatusFailed means the execution finished with an error
	StatusFailed Status = "failed"

	// StatusCancelled means the execution was stopped by an operator
	StatusCancelled Status = "cancelled"

	// StatusInterrupted means the execution was orphaned by a process restart
	StatusInterrupted Status = "interrupted"

	// StatusReplaced means a newer execution superseded this one via retry/resume
	StatusReplaced Status = "replaced"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted, StatusReplaced:
		return true
	default:
		return false
	}
}

// Phase is the coarse step an execution is currently performing.
type Phase string

const (
	// PhaseValidating covers catalog freshness validation
	PhaseValidating Phase = "validating"

	// PhaseExtracting covers paginated source extraction
	PhaseExtracting Phase = "extracting"

	// PhaseTransforming covers raw-to-canonical mapping
	PhaseTransforming Phase = "transforming"

	// PhaseLoading covers database batch loading
	PhaseLoading Phase = "loading"
)

// Event kinds emitted on every tracked mutation.
const (
	EventProcessStarted   = "process_started"
	EventProcessUpdate    = "process_update"
	EventProcessCompleted = "process_completed"
	EventProcessFailed    = "process_failed"
	EventProcessCancelled = "process_cancelled"
	EventStatsUpdate      = "stats_update"
)

// Counts aggregates record-level outcomes of a run.
type Counts struct {
	Processed int64 `json:"processed"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Failed    int64 `json:"failed"`
}

// Add returns the element-wise sum of two Counts.
func (c Counts) Add(other Counts) Counts {
	return Counts{
		Processed: c.Processed + other.Processed,
		Inserted:  c.Inserted + other.Inserted,
		Updated:   c.Updated + other.Updated,
		Failed:    c.Failed + other.Failed,
	}
}

// Execution is one tracked run of a seeding, sync or catalog-sync operation.
type Execution struct {
	ID               uuid.UUID  `json:"id"`
	Type             Type       `json:"execution_type"`
	Entity           string     `json:"entity,omitempty"`
	Year             *int       `json:"year,omitempty"`
	Status           Status     `json:"status"`
	Phase            Phase      `json:"current_phase,omitempty"`
	CurrentOperation string     `json:"current_operation,omitempty"`
	Progress         int        `json:"progress_percentage"`
	Counts           Counts     `json:"counts"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Entrypoint       string     `json:"entrypoint,omitempty"`
	PredecessorID    *uuid.UUID `json:"predecessor_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Event is a state-change notification carrying a snapshot of the execution.
// Delivery is best-effort; the persisted execution row is the source of truth.
type Event struct {
	Kind      string     `json:"type"`
	Execution *Execution `json:"execution"`
}

// Notifier receives execution state-change events.
type Notifier interface {
	Notify(event Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(Event) {}

// Statistics summarizes execution history for observers.
type Statistics struct {
	TotalExecutions int64            `json:"total_executions"`
	ByStatus        map[Status]int64 `json:"by_status"`
	ByType          map[Type]int64   `json:"by_type"`
	Records         Counts           `json:"records"`
	LastCompletedAt *time.Time       `json:"last_completed_at,omitempty"`
}
