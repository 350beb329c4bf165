package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultstream/vaultstream/internal/config"
	"github.com/vaultstream/vaultstream/internal/server"
)

// Exit codes.
const (
	exitConfig    = 1
	exitStorage   = 2
	exitMigration = 3
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the VaultStream server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitConfig)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, Version)
	if err != nil {
		slog.Error("server startup failed", "error", err)
		switch {
		case errors.Is(err, server.ErrMigration):
			os.Exit(exitMigration)
		case errors.Is(err, server.ErrStorage):
			os.Exit(exitStorage)
		default:
			os.Exit(exitConfig)
		}
	}

	// Watch the config file so log level edits apply without a restart.
	go func() {
		if err := config.Watch(ctx, cfgPath, srv.ApplyConfig); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watch stopped", "error", err)
		}
	}()

	slog.Info("vaultstream starting", "version", Version, "config", cfgPath)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
