// Package main is the entry point for the BDNS ETL engine.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/PepeluiMoreno/bdns-etl/cmd/bdns-etl/app"
)

// getLogLevel parses the BDNS_LOG_LEVEL environment variable and returns
// the corresponding slog.Level. Falls back to LOG_LEVEL, then to Info.
func getLogLevel() slog.Level {
	levelStr := os.Getenv("BDNS_LOG_LEVEL")
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

func main() {
	// Structured JSON logging on stderr, keeping stdout clean for commands
	// that output data (e.g., version --format json).
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: getLogLevel()})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
