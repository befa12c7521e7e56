package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock that serializes migrators across
// replicas.
const migrationLockID int64 = 0x5065727053746174 // "PerpStat"

// Migrator runs SQL migration files in order.
// Compatible with golang-migrate file naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sql.DB
	migrationsDir string
	logger        zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir, logger: logger}
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	applied := 0
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied versions: %w", err)
		}

		for _, f := range files {
			version := extractVersion(f)
			if done[version] {
				continue
			}

			m.logger.Info().Str("file", f).Msg("applying migration")
			err := m.execFile(ctx, conn, f,
				`INSERT INTO public.perpstats_migrations (version, filename) VALUES ($1, $2)`, version, f)
			if err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.perpstats_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get latest migration: %w", err)
		}

		downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
		m.logger.Info().Str("file", downFile).Msg("rolling back migration")
		return m.execFile(ctx, conn, downFile,
			`DELETE FROM public.perpstats_migrations WHERE version = $1`, version)
	})
}

// Pending lists up-migrations not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var pending []string
	err = m.locked(ctx, func(conn *sql.Conn) error {
		done, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, f := range files {
			if !done[extractVersion(f)] {
				pending = append(pending, f)
			}
		}
		return nil
	})
	return pending, err
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.perpstats_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	return fn(conn)
}

// execFile runs a migration file and its bookkeeping statement in one
// transaction.
func (m *Migrator) execFile(ctx context.Context, conn *sql.Conn, file, record string, args ...interface{}) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM public.perpstats_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename.
// e.g. "000001_stats.up.sql" -> "000001"
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
