package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/extract"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Run a full-year load for one entity",
	Long: `Run a full-year load for one entity and wait for it to finish.

The run executes in the foreground; interrupting the process (SIGINT or
SIGTERM) stops the run cleanly and records it as cancelled. The entity
"concesiones" covers every concession source.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	seedCmd.Flags().String("entity", "concesiones", "Entity to load")
	seedCmd.Flags().Int("year", 0, "Calendar year to load (required)")
	seedCmd.Flags().Bool("parallel", false, "Extract sources concurrently")
	seedCmd.Flags().Bool("cleanup", false, "Delete the year's rows before loading")
	seedCmd.Flags().Bool("backup", false, "Snapshot the year's rows before cleanup")

	if err := seedCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
	if err := seedCmd.MarkFlagRequired("year"); err != nil {
		panic(err)
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	entity, _ := cmd.Flags().GetString("entity")
	year, _ := cmd.Flags().GetInt("year")
	parallel, _ := cmd.Flags().GetBool("parallel")
	cleanup, _ := cmd.Flags().GetBool("cleanup")
	backup, _ := cmd.Flags().GetBool("backup")

	if year < 2008 || year > time.Now().Year() {
		return fmt.Errorf("year %d is outside the published range", year)
	}

	logger := newCommandLogger(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	req := orchestrator.RunRequest{
		Type:       execution.TypeSeeding,
		Entity:     entity,
		Year:       &year,
		Window:     extract.YearWindow(year),
		Entrypoint: "cli",
		Options: orchestrator.Options{
			Parallel:      parallel,
			CleanupBefore: cleanup,
			CreateBackup:  backup,
		},
	}

	ex, err := eng.orch.Prepare(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to prepare run: %w", err)
	}
	logger.Info("Seeding started", "execution_id", ex.ID, "entity", entity, "year", year)

	if err := eng.orch.Execute(ctx, ex, req); err != nil {
		return fmt.Errorf("seeding failed: %w", err)
	}

	final, err := eng.tracker.Store().Get(context.Background(), ex.ID)
	if err != nil {
		return err
	}
	logger.Info("Seeding finished",
		"execution_id", final.ID,
		"status", final.Status,
		"processed", final.Counts.Processed,
		"inserted", final.Counts.Inserted,
		"failed", final.Counts.Failed)
	return nil
}
