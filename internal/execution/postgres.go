package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// allowedFrom lists the statuses a transition may originate from.
var allowedFrom = map[Status][]Status{
	StatusRunning:     {StatusPending},
	StatusCompleted:   {StatusRunning},
	StatusFailed:      {StatusPending, StatusRunning},
	StatusCancelled:   {StatusRunning},
	StatusInterrupted: {StatusRunning},
	StatusReplaced:    {StatusFailed, StatusCancelled, StatusInterrupted},
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed execution store.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const executionColumns = `
	id, execution_type, entity, year, status, current_phase, current_operation,
	progress_percentage, records_processed, records_inserted, records_updated,
	records_failed, error_message, entrypoint, predecessor_id,
	started_at, finished_at, created_at`

func scanExecution(row pgx.Row) (*Execution, error) {
	var (
		ex        Execution
		entity    *string
		phase     *string
		operation *string
		errMsg    *string
		entry     *string
	)

	err := row.Scan(
		&ex.ID, &ex.Type, &entity, &ex.Year, &ex.Status, &phase, &operation,
		&ex.Progress, &ex.Counts.Processed, &ex.Counts.Inserted, &ex.Counts.Updated,
		&ex.Counts.Failed, &errMsg, &entry, &ex.PredecessorID,
		&ex.StartedAt, &ex.FinishedAt, &ex.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if entity != nil {
		ex.Entity = *entity
	}
	if phase != nil {
		ex.Phase = Phase(*phase)
	}
	if operation != nil {
		ex.CurrentOperation = *operation
	}
	if errMsg != nil {
		ex.ErrorMessage = *errMsg
	}
	if entry != nil {
		ex.Entrypoint = *entry
	}

	return &ex, nil
}

func (s *pgStore) Create(ctx context.Context, ex *Execution) error {
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	if ex.Status == "" {
		ex.Status = StatusPending
	}
	ex.CreatedAt = time.Now()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO etl_execution (
			id, execution_type, entity, year, status, current_phase,
			current_operation, progress_percentage, entrypoint, predecessor_id, created_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10, $11)`,
		ex.ID, ex.Type, ex.Entity, ex.Year, ex.Status, string(ex.Phase),
		ex.CurrentOperation, ex.Progress, ex.Entrypoint, ex.PredecessorID, ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (*Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+executionColumns+` FROM etl_execution WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *pgStore) List(ctx context.Context, filter ListFilter) ([]*Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT`+executionColumns+`
		FROM etl_execution
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR execution_type = $2)
		  AND ($3 = '' OR entity = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		string(filter.Status), string(filter.Type), filter.Entity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ex)
	}
	return result, rows.Err()
}

func (s *pgStore) FindActive(ctx context.Context, execType Type, entity string, year *int) (*Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+executionColumns+`
		FROM etl_execution
		WHERE execution_type = $1
		  AND entity IS NOT DISTINCT FROM NULLIF($2, '')
		  AND year IS NOT DISTINCT FROM $3
		  AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1`,
		execType, entity, year,
	)
	return scanExecution(row)
}

func (s *pgStore) LatestCompleted(ctx context.Context, execType Type) (*Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+executionColumns+`
		FROM etl_execution
		WHERE execution_type = $1 AND status = 'completed'
		ORDER BY finished_at DESC
		LIMIT 1`,
		execType,
	)
	return scanExecution(row)
}

func (s *pgStore) SetStatus(ctx context.Context, id uuid.UUID, status Status, errMsg string) error {
	from, ok := allowedFrom[status]
	if !ok {
		return fmt.Errorf("%w: cannot transition to %s", ErrInvalidTransition, status)
	}

	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	var tag string
	var args []any
	switch {
	case status == StatusRunning:
		tag = `UPDATE etl_execution
			SET status = $2, started_at = now()
			WHERE id = $1 AND status = ANY($3)`
		args = []any{id, status, fromStrs}
	case status == StatusCompleted:
		// Progress pins at 100 only on successful completion.
		tag = `UPDATE etl_execution
			SET status = $2, progress_percentage = 100, finished_at = now()
			WHERE id = $1 AND status = ANY($3)`
		args = []any{id, status, fromStrs}
	default:
		tag = `UPDATE etl_execution
			SET status = $2, error_message = COALESCE(NULLIF($4, ''), error_message), finished_at = now()
			WHERE id = $1 AND status = ANY($3)`
		args = []any{id, status, fromStrs, errMsg}
	}

	ct, err := s.pool.Exec(ctx, tag, args...)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}
	return nil
}

func (s *pgStore) SetPhase(ctx context.Context, id uuid.UUID, phase Phase, operation string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE etl_execution
		SET current_phase = $2, current_operation = NULLIF($3, '')
		WHERE id = $1`,
		id, phase, operation,
	)
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCounts uses SQL-side increments so concurrent workers sharing one
// execution row never lose updates.
func (s *pgStore) AddCounts(ctx context.Context, id uuid.UUID, delta Counts) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE etl_execution
		SET records_processed = records_processed + $2,
		    records_inserted  = records_inserted + $3,
		    records_updated   = records_updated + $4,
		    records_failed    = records_failed + $5
		WHERE id = $1`,
		id, delta.Processed, delta.Inserted, delta.Updated, delta.Failed,
	)
	if err != nil {
		return fmt.Errorf("failed to increment counts: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProgress raises progress monotonically; GREATEST guards against
// interleaved lower values from concurrent workers.
func (s *pgStore) SetProgress(ctx context.Context, id uuid.UUID, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	// No affected-rows check: a run cancelled mid-batch simply stops
	// accepting progress.
	_, err := s.pool.Exec(ctx, `
		UPDATE etl_execution
		SET progress_percentage = GREATEST(progress_percentage, $2)
		WHERE id = $1 AND status = 'running'`,
		id, pct,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (s *pgStore) MarkInterrupted(ctx context.Context, reason string) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE etl_execution
		SET status = 'interrupted', error_message = $1, finished_at = now()
		WHERE status = 'running'`,
		reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned executions: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (s *pgStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[Type]int64),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, execution_type, COUNT(*),
		       COALESCE(SUM(records_processed), 0),
		       COALESCE(SUM(records_inserted), 0),
		       COALESCE(SUM(records_updated), 0),
		       COALESCE(SUM(records_failed), 0)
		FROM etl_execution
		GROUP BY status, execution_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status   Status
			execType Type
			count    int64
			c        Counts
		)
		if err := rows.Scan(&status, &execType, &count, &c.Processed, &c.Inserted, &c.Updated, &c.Failed); err != nil {
			return nil, err
		}
		stats.TotalExecutions += count
		stats.ByStatus[status] += count
		stats.ByType[execType] += count
		stats.Records = stats.Records.Add(c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT MAX(finished_at) FROM etl_execution WHERE status = 'completed'`)
	if err := row.Scan(&stats.LastCompletedAt); err != nil {
		return nil, err
	}

	return stats, nil
}
