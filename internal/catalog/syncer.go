package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
)

// ErrSyncInProgress is returned when a catalog sync is requested while
// another one is still active.
var ErrSyncInProgress = errors.New("catalog sync already in progress")

// EntryFetcher retrieves one catalog's current contents.
type EntryFetcher interface {
	Fetch(ctx context.Context, cat Catalog) ([]Entry, error)
}

// SyncResult summarizes one catalog sync run.
type SyncResult struct {
	ExecutionID string           `json:"execution_id"`
	NewPerTable map[string]int64 `json:"new_per_table"`
	TotalNew    int64            `json:"total_new"`
	Duration    time.Duration    `json:"duration"`
}

// Syncer refreshes every reference catalog from the API. Single-writer:
// concurrent SyncAll calls beyond the first are rejected.
type Syncer struct {
	fetcher  EntryFetcher
	store    Store
	tracker  *execution.Tracker
	catalogs []Catalog
	logger   *slog.Logger
}

// NewSyncer creates a Syncer over the fixed catalog list for the given
// portal scope.
func NewSyncer(fetcher EntryFetcher, store Store, tracker *execution.Tracker, vpd string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		fetcher:  fetcher,
		store:    store,
		tracker:  tracker,
		catalogs: Catalogs(vpd),
		logger:   logger,
	}
}

// SyncAll fetches every catalog and merges it insert-if-absent.
// Re-running against unchanged upstream data yields zero new rows. A
// single catalog's failure aborts the run as failed; catalogs merged
// before the failure keep their new rows.
func (s *Syncer) SyncAll(ctx context.Context) (*SyncResult, error) {
	store := s.tracker.Store()
	if _, err := store.FindActive(ctx, execution.TypeSyncCatalogos, "", nil); err == nil {
		return nil, ErrSyncInProgress
	} else if !errors.Is(err, execution.ErrNotFound) {
		return nil, err
	}

	ex := &execution.Execution{Type: execution.TypeSyncCatalogos}
	if err := s.tracker.Begin(ctx, ex); err != nil {
		return nil, err
	}
	if err := s.tracker.Start(ctx, ex.ID); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &SyncResult{
		ExecutionID: ex.ID.String(),
		NewPerTable: make(map[string]int64),
	}

	for i, cat := range s.catalogs {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(ctx, ex, err)
		}

		if err := s.tracker.SetPhase(ctx, ex.ID, execution.PhaseLoading, fmt.Sprintf("catalogo %s", cat.Name)); err != nil {
			return nil, err
		}

		entries, err := s.fetcher.Fetch(ctx, cat)
		if err != nil {
			return nil, s.abort(ctx, ex, fmt.Errorf("catalog %s: %w", cat.Name, err))
		}

		newRows, err := s.store.Merge(ctx, entries)
		if err != nil {
			return nil, s.abort(ctx, ex, fmt.Errorf("catalog %s: %w", cat.Name, err))
		}

		result.NewPerTable[cat.Name] = newRows
		result.TotalNew += newRows

		// 100 is reserved for the completed status write.
		pct := (i + 1) * 100 / len(s.catalogs)
		if pct > 99 {
			pct = 99
		}
		if err := s.tracker.Report(ctx, ex.ID,
			execution.Counts{Processed: int64(len(entries)), Inserted: newRows}, pct); err != nil {
			return nil, err
		}

		s.logger.Info("catalog synced",
			"catalog", cat.Name, "entries", len(entries), "new", newRows)
	}

	if err := s.tracker.Complete(ctx, ex.ID); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	s.logger.Info("catalog sync completed",
		"total_new", result.TotalNew, "duration", result.Duration)
	return result, nil
}

// abort records the terminal state of a sync that ended early. The
// context may already be cancelled, so the status write goes out on a
// detached context; a cancelled sync lands as cancelled, not failed.
func (s *Syncer) abort(ctx context.Context, ex *execution.Execution, err error) error {
	finalCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		_ = s.tracker.Cancel(finalCtx, ex.ID, "catalog sync cancelled")
		return ctx.Err()
	}
	_ = s.tracker.Fail(finalCtx, ex.ID, err)
	return err
}
