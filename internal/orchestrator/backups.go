package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
)

// Backups snapshots and clears a run's date window ahead of a reload.
type Backups struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewBackups creates a Backups helper over the given pool.
func NewBackups(pool *pgxpool.Pool, logger *slog.Logger) *Backups {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backups{pool: pool, logger: logger}
}

// Snapshot copies the window's rows for the given regimes into a
// timestamped backup table and returns its name.
func (b *Backups) Snapshot(ctx context.Context, window extract.DateWindow, regimes []string) (string, error) {
	name := fmt.Sprintf("concesion_backup_%s", time.Now().Format("20060102_150405"))
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE %s AS
		SELECT * FROM concesion
		WHERE fecha_concesion BETWEEN $1 AND $2
		  AND regimen = ANY($3)`, name),
		window.From, window.To, regimes,
	)
	if err != nil {
		return "", fmt.Errorf("creating backup %s: %w", name, err)
	}
	b.logger.Info("window snapshot created", "table", name)
	return name, nil
}

// Cleanup deletes the window's rows for the given regimes and returns
// the number removed.
func (b *Backups) Cleanup(ctx context.Context, window extract.DateWindow, regimes []string) (int64, error) {
	ct, err := b.pool.Exec(ctx, `
		DELETE FROM concesion
		WHERE fecha_concesion BETWEEN $1 AND $2
		  AND regimen = ANY($3)`,
		window.From, window.To, regimes,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning window: %w", err)
	}
	b.logger.Info("window cleaned", "rows", ct.RowsAffected())
	return ct.RowsAffected(), nil
}

// prepareWindow applies the CreateBackup and CleanupBefore options
// before extraction starts.
func (o *Orchestrator) prepareWindow(ctx context.Context, ex *execution.Execution, req RunRequest, sources []extract.Source) error {
	if !req.Options.CreateBackup && !req.Options.CleanupBefore {
		return nil
	}
	if o.backups == nil {
		return fmt.Errorf("backup/cleanup requested but no backup support is configured")
	}

	regimes := make([]string, len(sources))
	for i, src := range sources {
		regimes[i] = src.Regime
	}

	if req.Options.CreateBackup {
		if err := o.tracker.SetPhase(ctx, ex.ID, execution.PhaseValidating, "snapshotting window"); err != nil {
			return err
		}
		if _, err := o.backups.Snapshot(ctx, req.Window, regimes); err != nil {
			return err
		}
	}
	if req.Options.CleanupBefore {
		if err := o.tracker.SetPhase(ctx, ex.ID, execution.PhaseValidating, "cleaning window"); err != nil {
			return err
		}
		if _, err := o.backups.Cleanup(ctx, req.Window, regimes); err != nil {
			return err
		}
	}
	return nil
}
