package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PepeluiMoreno/bdns-etl/internal/broadcast"
	"github.com/PepeluiMoreno/bdns-etl/internal/catalog"
	"github.com/PepeluiMoreno/bdns-etl/internal/config"
	"github.com/PepeluiMoreno/bdns-etl/internal/db"
	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
	"github.com/PepeluiMoreno/bdns-etl/internal/load"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
)

// engine bundles the wired ETL stack shared by the serve, seed and
// sync-catalogos commands.
type engine struct {
	cfg         *config.Config
	pool        *pgxpool.Pool
	broadcaster *broadcast.Broadcaster
	tracker     *execution.Tracker
	syncer      *catalog.Syncer
	orch        *orchestrator.Orchestrator
}

// newEngine loads the configuration, connects the database pool and wires
// every component up to (but not including) the Service. The caller owns
// the returned engine and must Close it.
func newEngine(ctx context.Context, configPath string, logger *slog.Logger) (*engine, error) {
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	broadcaster := broadcast.New(logger)
	store := execution.NewPGStore(pool)
	tracker := execution.NewTracker(store, broadcaster, logger)

	client := extract.NewClient(cfg.Source.BaseURL, logger,
		extract.WithVPD(cfg.Source.VPD),
		extract.WithMaxRetries(cfg.Source.MaxRetries),
		extract.WithPageTimeout(cfg.GetPageTimeout()),
	)
	extractor := extract.NewExtractor(client, cfg.ETL.PageSize, logger)

	fetcher := catalog.NewFetcher(cfg.Source.BaseURL, nil, logger)
	syncer := catalog.NewSyncer(fetcher, catalog.NewPGStore(pool), tracker, cfg.Source.VPD, logger)
	validator := catalog.NewValidator(store, syncer, logger)

	loader := load.NewLoader(pool, logger)
	backups := orchestrator.NewBackups(pool, logger)

	orch := orchestrator.New(
		extract.NewRegistry(),
		extractor,
		loader,
		validator,
		tracker,
		backups,
		cfg.ETL.Workers,
		cfg.ETL.BatchSize,
		logger,
	)

	return &engine{
		cfg:         cfg,
		pool:        pool,
		broadcaster: broadcaster,
		tracker:     tracker,
		syncer:      syncer,
		orch:        orch,
	}, nil
}

func (e *engine) Close() {
	e.broadcaster.Close()
	e.pool.Close()
}
