package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/internal/server"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/config"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/document/automerge"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/logging"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.NewWithFormat(os.Stdout, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg, automerge.New())
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
