// Package orchestrator composes the catalog validator, source extractors
// and the batch loader into tracked ETL runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
	"github.com/PepeluiMoreno/bdns-etl/internal/load"
)

// ErrDuplicateActiveRun is returned when a run is requested for an
// (entity, year) pair that already has a pending or running execution.
var ErrDuplicateActiveRun = errors.New("an active execution already exists for this entity and year")

// ErrStopRequested is the cancellation cause set by an operator stop.
var ErrStopRequested = errors.New("stop requested")

// PageExtractor walks one source's pages in order.
type PageExtractor interface {
	Extract(ctx context.Context, src extract.Source, window extract.DateWindow, emit extract.EmitFunc) error
}

// BatchLoader writes one batch of raw records under a regime tag.
type BatchLoader interface {
	LoadBatch(ctx context.Context, raws []extract.RawRecord, regimen string) (load.BatchResult, error)
}

// FreshnessValidator gates transactional loads on catalog freshness.
type FreshnessValidator interface {
	EnsureFresh(ctx context.Context, targetYear int) error
}

// Options are the recognized per-run knobs.
type Options struct {
	// Parallel extracts the selected sources concurrently
	Parallel bool `json:"parallel"`

	// Workers caps concurrent source extractions when Parallel is set
	Workers int `json:"workers"`

	// BatchSize is the number of records per database load batch
	BatchSize int `json:"batch_size"`

	// CleanupBefore deletes the run window's rows before loading
	CleanupBefore bool `json:"cleanup_before"`

	// CreateBackup snapshots the run window's rows before cleanup
	CreateBackup bool `json:"create_backup"`
}

// RunRequest describes one ETL run.
type RunRequest struct {
	// Type is seeding or sync
	Type execution.Type

	// Entity labels the run; when Sources is empty and Entity names a
	// known source, that single source is selected, otherwise all are.
	Entity string

	// Year is set for seeding runs, nil for window-driven syncs
	Year *int

	// Window is the extraction date range
	Window extract.DateWindow

	// Sources selects the extract sources by name
	Sources []string

	// Entrypoint labels who initiated the run
	Entrypoint string

	Options Options
}

// Orchestrator drives complete runs against shared infrastructure.
type Orchestrator struct {
	registry  *extract.Registry
	extractor PageExtractor
	loader    BatchLoader
	validator FreshnessValidator
	tracker   *execution.Tracker
	backups   *Backups
	logger    *slog.Logger

	defaultWorkers   int
	defaultBatchSize int
}

// New creates an Orchestrator. Backups may be nil when snapshot support
// is not wired.
func New(
	registry *extract.Registry,
	extractor PageExtractor,
	loader BatchLoader,
	validator FreshnessValidator,
	tracker *execution.Tracker,
	backups *Backups,
	workers, batchSize int,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &Orchestrator{
		registry:         registry,
		extractor:        extractor,
		loader:           loader,
		validator:        validator,
		tracker:          tracker,
		backups:          backups,
		logger:           logger,
		defaultWorkers:   workers,
		defaultBatchSize: batchSize,
	}
}

// Prepare rejects duplicate runs and creates the pending execution row.
func (o *Orchestrator) Prepare(ctx context.Context, req RunRequest) (*execution.Execution, error) {
	if _, err := o.selectSources(req); err != nil {
		return nil, err
	}

	store := o.tracker.Store()
	if _, err := store.FindActive(ctx, req.Type, req.Entity, req.Year); err == nil {
		return nil, ErrDuplicateActiveRun
	} else if !errors.Is(err, execution.ErrNotFound) {
		return nil, err
	}

	ex := &execution.Execution{
		Type:       req.Type,
		Entity:     req.Entity,
		Year:       req.Year,
		Entrypoint: req.Entrypoint,
	}
	if err := o.tracker.Begin(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

// Execute runs a prepared execution to its terminal state. The returned
// error mirrors the recorded outcome; a nil error means completed.
func (o *Orchestrator) Execute(ctx context.Context, ex *execution.Execution, req RunRequest) error {
	sources, err := o.selectSources(req)
	if err != nil {
		return o.abort(ctx, ex, err)
	}

	if err := o.tracker.Start(ctx, ex.ID); err != nil {
		return err
	}

	if err := o.tracker.SetPhase(ctx, ex.ID, execution.PhaseValidating, "validating catalogs"); err != nil {
		return err
	}
	if err := o.validator.EnsureFresh(ctx, req.Window.To.Year()); err != nil {
		// Fail fast before any source is touched.
		return o.abort(ctx, ex, fmt.Errorf("catalog validation: %w", err))
	}

	if err := o.prepareWindow(ctx, ex, req, sources); err != nil {
		return o.abort(ctx, ex, err)
	}

	if err := o.tracker.SetPhase(ctx, ex.ID, execution.PhaseExtracting, "extracting sources"); err != nil {
		return err
	}

	workers := req.Options.Workers
	if workers <= 0 {
		workers = o.defaultWorkers
	}
	if !req.Options.Parallel {
		workers = 1
	}
	batchSize := req.Options.BatchSize
	if batchSize <= 0 {
		batchSize = o.defaultBatchSize
	}

	// All sources share one execution row; counters are incremented
	// atomically in storage and progress is monotonic, so interleaved
	// reports cannot lose updates.
	var totalExpected, totalProcessed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, src := range sources {
		g.Go(func() error {
			return o.runSource(gctx, ex, src, req.Window, batchSize, &totalExpected, &totalProcessed)
		})
	}

	if err := g.Wait(); err != nil {
		return o.abort(ctx, ex, err)
	}

	return o.tracker.Complete(ctx, ex.ID)
}

// abort records the terminal state of a run that ended early, whether
// before, during or after extraction. The run context may already be
// cancelled, so the status write goes out on a detached context, and an
// operator stop lands as cancelled rather than failed.
func (o *Orchestrator) abort(ctx context.Context, ex *execution.Execution, err error) error {
	finalCtx := context.WithoutCancel(ctx)
	if errors.Is(context.Cause(ctx), ErrStopRequested) {
		_ = o.tracker.Cancel(finalCtx, ex.ID, "stopped by operator")
		return ErrStopRequested
	}
	if ctx.Err() != nil {
		err = fmt.Errorf("run aborted: %w", context.Cause(ctx))
	}
	_ = o.tracker.Fail(finalCtx, ex.ID, err)
	return err
}

func (o *Orchestrator) selectSources(req RunRequest) ([]extract.Source, error) {
	names := req.Sources
	if len(names) == 0 {
		// "concesiones" is the umbrella entity covering every source.
		if req.Entity == "concesiones" {
			names = o.registry.Names()
		} else {
			names = []string{req.Entity}
		}
	}

	sources := make([]extract.Source, 0, len(names))
	for _, name := range names {
		src, err := o.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// runSource extracts one source page by page and loads each page in
// batches. Pages within the source stay in order; cancellation is
// checked between batches.
func (o *Orchestrator) runSource(
	ctx context.Context,
	ex *execution.Execution,
	src extract.Source,
	window extract.DateWindow,
	batchSize int,
	totalExpected, totalProcessed *atomic.Int64,
) error {
	expectedCounted := false

	return o.extractor.Extract(ctx, src, window, func(page extract.PageResult) error {
		if !expectedCounted {
			totalExpected.Add(page.TotalElements)
			expectedCounted = true
		}

		for start := 0; start < len(page.Records); start += batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}

			end := min(start+batchSize, len(page.Records))
			batch := page.Records[start:end]

			result, err := o.loader.LoadBatch(ctx, batch, src.Regime)
			if err != nil {
				return fmt.Errorf("loading %s page %d: %w", src.Name, page.Index, err)
			}

			processed := totalProcessed.Add(int64(len(batch)))
			pct := 0
			if expected := totalExpected.Load(); expected > 0 {
				// Pinned below 100 until the run completes.
				pct = min(int(processed*100/expected), 99)
			}

			if err := o.tracker.Report(ctx, ex.ID, execution.Counts{
				Processed: int64(len(batch)),
				Inserted:  result.Inserted,
				Failed:    result.Failed,
			}, pct); err != nil {
				return err
			}
		}

		if err := o.tracker.SetPhase(ctx, ex.ID, execution.PhaseLoading,
			fmt.Sprintf("%s: page %d loaded", src.Name, page.Index)); err != nil {
			return err
		}
		return nil
	})
}
