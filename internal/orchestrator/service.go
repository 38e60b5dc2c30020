package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PepeluiMoreno/bdns-etl/internal/catalog"
	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
)

// ErrNotRunning is returned when a stop is requested for an execution
// this process is not driving.
var ErrNotRunning = errors.New("execution is not running in this process")

// defaultSyncLookback bounds the window of a sync when no previous sync
// exists to anchor it.
const defaultSyncLookback = 30 * 24 * time.Hour

// Service is the control surface over the orchestrator: it launches runs
// asynchronously and keeps the cancel handles of in-flight executions.
type Service struct {
	orch    *Orchestrator
	tracker *execution.Tracker
	syncer  *catalog.Syncer
	logger  *slog.Logger

	baseCtx context.Context

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewService creates a Service. baseCtx bounds the lifetime of every run
// the service launches.
func NewService(baseCtx context.Context, orch *Orchestrator, tracker *execution.Tracker, syncer *catalog.Syncer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orch:    orch,
		tracker: tracker,
		syncer:  syncer,
		logger:  logger,
		baseCtx: baseCtx,
		active:  make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// StartSeeding launches a full-year load for one entity. The returned
// execution is pending; progress is observable through the tracker.
func (s *Service) StartSeeding(ctx context.Context, entity string, year int, opts Options, entrypoint string) (*execution.Execution, error) {
	req := RunRequest{
		Type:       execution.TypeSeeding,
		Entity:     entity,
		Year:       &year,
		Window:     extract.YearWindow(year),
		Entrypoint: entrypoint,
		Options:    opts,
	}
	return s.launch(ctx, req)
}

// StartSync launches an incremental load over a date window. A nil
// window is anchored at the previous successful sync, or a bounded
// lookback when none exists.
func (s *Service) StartSync(ctx context.Context, entity string, window *extract.DateWindow, opts Options, entrypoint string) (*execution.Execution, error) {
	if window == nil {
		w, err := s.defaultSyncWindow(ctx)
		if err != nil {
			return nil, err
		}
		window = &w
	}

	req := RunRequest{
		Type:       execution.TypeSync,
		Entity:     entity,
		Window:     *window,
		Entrypoint: entrypoint,
		Options:    opts,
	}
	return s.launch(ctx, req)
}

// SyncCatalogs refreshes the reference catalogs synchronously.
func (s *Service) SyncCatalogs(ctx context.Context) (*catalog.SyncResult, error) {
	return s.syncer.SyncAll(ctx)
}

// StopExecution cooperatively cancels a run owned by this process. The
// run stops at its next check point between batches.
func (s *Service) StopExecution(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}
	cancel(ErrStopRequested)
	return nil
}

// Retry supersedes a failed, cancelled or interrupted execution with a
// fresh one and launches it.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, opts Options) (*execution.Execution, error) {
	store := s.tracker.Store()
	prev, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// The replacement is subject to the same single-active-run rule as a
	// fresh launch; check before superseding the old row.
	if _, err := store.FindActive(ctx, prev.Type, prev.Entity, prev.Year); err == nil {
		return nil, ErrDuplicateActiveRun
	} else if !errors.Is(err, execution.ErrNotFound) {
		return nil, err
	}

	req := RunRequest{
		Type:       prev.Type,
		Entity:     prev.Entity,
		Year:       prev.Year,
		Entrypoint: prev.Entrypoint,
		Options:    opts,
	}
	switch {
	case prev.Year != nil:
		req.Window = extract.YearWindow(*prev.Year)
	default:
		w, err := s.defaultSyncWindow(ctx)
		if err != nil {
			return nil, err
		}
		req.Window = w
	}

	next, err := s.tracker.Replace(ctx, id)
	if err != nil {
		return nil, err
	}

	s.run(next, req)
	return next, nil
}

// GetExecution returns one execution by id.
func (s *Service) GetExecution(ctx context.Context, id uuid.UUID) (*execution.Execution, error) {
	return s.tracker.Store().Get(ctx, id)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Service) ListExecutions(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	return s.tracker.Store().List(ctx, filter)
}

// GetStatistics aggregates execution history.
func (s *Service) GetStatistics(ctx context.Context) (*execution.Statistics, error) {
	return s.tracker.Store().Statistics(ctx)
}

// Shutdown cancels every in-flight run and waits for them to reach a
// terminal state or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel(fmt.Errorf("service shutting down"))
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) launch(ctx context.Context, req RunRequest) (*execution.Execution, error) {
	ex, err := s.orch.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	s.run(ex, req)
	return ex, nil
}

// run drives one execution in the background, detached from the request
// context so a disconnecting caller does not cancel the load.
func (s *Service) run(ex *execution.Execution, req RunRequest) {
	runCtx, cancel := context.WithCancelCause(s.baseCtx)

	s.mu.Lock()
	s.active[ex.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, ex.ID)
			s.mu.Unlock()
			cancel(nil)
		}()

		if err := s.orch.Execute(runCtx, ex, req); err != nil {
			s.logger.Warn("execution finished with error",
				"id", ex.ID, "entity", req.Entity, "error", err)
			return
		}
		s.logger.Info("execution finished", "id", ex.ID, "entity", req.Entity)
	}()
}

func (s *Service) defaultSyncWindow(ctx context.Context) (extract.DateWindow, error) {
	now := time.Now()
	window := extract.DateWindow{From: now.Add(-defaultSyncLookback), To: now}

	last, err := s.tracker.Store().LatestCompleted(ctx, execution.TypeSync)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return window, nil
		}
		return extract.DateWindow{}, err
	}
	if last.FinishedAt != nil {
		window.From = *last.FinishedAt
	}
	return window, nil
}
