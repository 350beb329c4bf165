package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultstream/vaultstream/internal/config"
	storesqlite "github.com/vaultstream/vaultstream/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runDoctor())
		},
	}
}

func runDoctor() int {
	fmt.Println("vaultstream doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
		return exitConfig
	}

	// Database
	fmt.Printf("  Database: %s", cfg.Database.Path)
	db, err := storesqlite.Open(cfg.Database.Path)
	if err != nil {
		fmt.Printf(" (UNREACHABLE: %s)\n", err)
		return exitStorage
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf(" (PING FAILED: %s)\n", err)
		return exitStorage
	}
	var version int
	var dirty int
	err = db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	switch {
	case err != nil:
		fmt.Println(" (OK, schema not yet migrated)")
		fmt.Println("  Run: vaultstream migrate up")
		return exitMigration
	case dirty != 0:
		fmt.Printf(" (DIRTY at version %d)\n", version)
		return exitMigration
	default:
		fmt.Printf(" (OK, schema version %d)\n", version)
	}

	// Media storage
	fmt.Printf("  Media:    %s", cfg.Storage.MediaRoot)
	if err := os.MkdirAll(cfg.Storage.MediaRoot, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		return exitStorage
	}
	probe := filepath.Join(cfg.Storage.MediaRoot, ".doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
		return exitStorage
	}
	os.Remove(probe)
	fmt.Println(" (OK)")

	fmt.Println()
	fmt.Println("  All checks passed.")
	return 0
}
