package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"imgecho/internal/cli"
	"imgecho/internal/config"
	"imgecho/internal/logging"
	"imgecho/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Paths.DatabasePath, err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := cli.NewRoot(ctx, cfg, logger, store)
	if err != nil {
		return err
	}
	defer root.Close()

	return cli.NewRootCmd(root).ExecuteContext(ctx)
}
