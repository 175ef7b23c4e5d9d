package main

import (
	"context"
	"log/slog"
	"os"

	"amifit/internal/cli"
	"amifit/internal/config"
	"amifit/internal/logging"
	"amifit/internal/pipeline"
	"amifit/internal/storage"

	"github.com/mdobak/go-xerrors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "failed to load config", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fatal(slog.Default(), "failed to set up logging", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		fatal(logger, "failed to open job store", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cfg)
	defer pipe.Stop()

	root := cli.NewRootCmd(cfg, logger, store, pipe)
	if err := root.ExecuteContext(ctx); err != nil {
		pipe.Stop()
		store.Close()
		fatal(logger, "command failed", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.ErrorContext(context.Background(), msg, slog.Any("error", xerrors.New(err)))
	os.Exit(1)
}
