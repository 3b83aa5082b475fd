package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/platform"
)

func main() {
	// A missing .env is fine; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("MAGE_CONFIG"))
	if err != nil {
		slog.Error("load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		slog.String("port", cfg.Server.Port),
		slog.String("env", cfg.Server.Env),
	)

	p, err := platform.New(cfg, logger)
	if err != nil {
		logger.Error("platform init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("platform stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
