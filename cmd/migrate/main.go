package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"TrancheLedger/internal/config"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down>")
	fmt.Println("  up   - apply all pending migrations")
	fmt.Println("  down - roll back the last migration")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TRANCHE_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  TRANCHE_MIGRATIONS_DIR  - migrations directory (default: embedded set)")
	fmt.Println("  TRANCHE_CONFIG          - optional YAML config file")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var source fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		source = os.DirFS(cfg.MigrationsDir)
	}

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, source, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
