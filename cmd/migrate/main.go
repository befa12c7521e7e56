package main

import (
	"context"
	"fmt"
	"os"

	"PerpStats/internal/config"
	"PerpStats/internal/observability"
	"PerpStats/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_CONFIG          - optional TOML config file")
		fmt.Println("  PERP_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  PERP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(os.Getenv("PERP_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	db, err := persistence.OpenDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)

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

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, f := range pending {
			fmt.Println(f)
		}
		logger.Info().Int("pending", len(pending)).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
