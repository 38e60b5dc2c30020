package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PepeluiMoreno/bdns-etl/internal/api"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ETL API server",
	Long: `Start the ETL API server to launch and observe executions.

The server requires a configuration file (--config) that specifies:
- The upstream subsidy API (base URL, portal scope, retry policy)
- Default run options (workers, batch size, page size)
- The PostgreSQL connection settings

Executions started over the API keep running until completion or until an
operator stops them; progress is broadcast on the /ws endpoint.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout  = 30 * time.Second
	serverReadHeaderTimeout = 10 * time.Second
	// No read/write timeouts on the server itself: /ws holds connections
	// open indefinitely and run-launching endpoints respond immediately.
	serverIdleTimeout = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	address := viper.GetString("address")
	configPath := viper.GetString("config")
	logger := newCommandLogger(cmd)

	// appCtx bounds every run the service launches; cancelling it on
	// shutdown asks in-flight executions to stop.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	eng, err := newEngine(appCtx, configPath, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	logger.Info("Loaded configuration",
		"path", configPath,
		"source", eng.cfg.Source.BaseURL,
		"workers", eng.cfg.ETL.Workers,
		"batch_size", eng.cfg.ETL.BatchSize)

	// Runs left in running state by a previous process crash cannot make
	// further progress; reclaim them before accepting new work.
	if err := eng.tracker.ReclaimInterrupted(appCtx); err != nil {
		return fmt.Errorf("failed to reclaim interrupted executions: %w", err)
	}

	svc := orchestrator.NewService(appCtx, eng.orch, eng.tracker, eng.syncer, logger)

	router := api.NewServer(svc, eng.broadcaster, logger)

	server := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	go func() {
		logger.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			appCancel()
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-appCtx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop in-flight executions and wait for them to reach a terminal
	// state so they are not reclaimed as interrupted on next start.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Executions did not stop in time", "error", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
