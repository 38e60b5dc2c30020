package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
)

// Validator decides whether the catalogs are fresh enough to load
// transactional data for a target year. Freshness is derived from the
// latest successful catalog-sync execution, not a separate table.
type Validator struct {
	store  execution.Store
	syncer *Syncer
	logger *slog.Logger
}

// NewValidator creates a Validator backed by the execution history.
func NewValidator(store execution.Store, syncer *Syncer, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{store: store, syncer: syncer, logger: logger}
}

// IsObsolete reports whether the catalogs are stale for targetYear:
// true when no successful sync exists, or when the latest one finished
// in an earlier year.
func (v *Validator) IsObsolete(ctx context.Context, targetYear int) (bool, error) {
	last, err := v.store.LatestCompleted(ctx, execution.TypeSyncCatalogos)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if last.FinishedAt == nil {
		return true, nil
	}
	return last.FinishedAt.Year() < targetYear, nil
}

// EnsureFresh syncs the catalogs when they are obsolete for targetYear.
// On sync failure the caller must not proceed to load transactional
// data; loading against stale catalogs breaks referential integrity.
// Fresh catalogs are left untouched.
func (v *Validator) EnsureFresh(ctx context.Context, targetYear int) error {
	obsolete, err := v.IsObsolete(ctx, targetYear)
	if err != nil {
		return err
	}
	if !obsolete {
		return nil
	}

	v.logger.Info("catalogs obsolete, syncing before load", "target_year", targetYear)
	if _, err := v.syncer.SyncAll(ctx); err != nil {
		return fmt.Errorf("catalog refresh for year %d failed: %w", targetYear, err)
	}

	obsolete, err = v.IsObsolete(ctx, targetYear)
	if err != nil {
		return err
	}
	if obsolete {
		return fmt.Errorf("catalogs still obsolete for year %d after sync", targetYear)
	}
	return nil
}
