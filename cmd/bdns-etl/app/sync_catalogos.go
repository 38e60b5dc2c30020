package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncCatalogosCmd = &cobra.Command{
	Use:   "sync-catalogos",
	Short: "Refresh the reference catalogs",
	Long: `Refresh every reference catalog from the upstream API.

Existing codes keep their rows; changed descriptions are updated in place
and new codes are inserted. The refresh is recorded as an execution.`,
	RunE: runSyncCatalogos,
}

func init() {
	syncCatalogosCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := syncCatalogosCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runSyncCatalogos(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logger := newCommandLogger(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.syncer.SyncAll(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh failed: %w", err)
	}

	for table, n := range res.NewPerTable {
		if n > 0 {
			logger.Info("Catalog gained entries", "catalog", table, "new", n)
		}
	}
	logger.Info("Catalog refresh finished",
		"execution_id", res.ExecutionID,
		"total_new", res.TotalNew,
		"duration", res.Duration)
	return nil
}
