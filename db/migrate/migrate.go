// Package migrate applies the embedded SQL schema for the tracking engine.
//
// Migration files live in db/migrate/migrations and are named NNN_name.sql.
// They are compiled into the binary, applied in version order, one
// transaction each, and recorded in schema_migrations so every version runs
// exactly once:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	if _, err := migrate.Run(ctx, pool, logger); err != nil {
//	    log.Fatal("migration failed:", err)
//	}
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the subset of *pgxpool.Pool the migrator needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Record is an applied migration.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status is reported by the health endpoint.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

type migration struct {
	version int
	name    string
	sql     string
}

func (m migration) String() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// Run applies every pending migration and returns how many were applied.
func Run(ctx context.Context, db DB, logger *slog.Logger) (int, error) {
	logger = logger.With("component", "migrate")

	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("reading applied migrations: %w", err)
	}

	available, err := loadMigrations(migrationsFS)
	if err != nil {
		return 0, fmt.Errorf("reading migration files: %w", err)
	}

	count := 0
	for _, mig := range pending(available, applied) {
		logger.Info("applying migration", "migration", mig.String())
		if err := apply(ctx, db, mig); err != nil {
			return count, fmt.Errorf("applying migration %s: %w", mig, err)
		}
		count++
	}

	if count == 0 {
		logger.Info("database schema is up to date", "version", len(applied))
	} else {
		logger.Info("migrations complete", "applied", count, "total", len(applied)+count)
	}
	return count, nil
}

// GetStatus lists applied and pending migrations without changing anything.
func GetStatus(ctx context.Context, db DB) (*Status, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'schema_migrations'
		)
	`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	applied := map[int]bool{}
	if exists {
		status.Applied, err = appliedRecords(ctx, db)
		if err != nil {
			return nil, err
		}
		for _, r := range status.Applied {
			applied[r.Version] = true
		}
	}

	available, err := loadMigrations(migrationsFS)
	if err != nil {
		return nil, err
	}
	for _, m := range pending(available, applied) {
		status.Pending = append(status.Pending, m.String())
	}
	return status, nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

func appliedRecords(ctx context.Context, db DB) ([]Record, error) {
	rows, err := db.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

func appliedVersions(ctx context.Context, db DB) (map[int]bool, error) {
	records, err := appliedRecords(ctx, db)
	if err != nil {
		return nil, err
	}
	set := make(map[int]bool, len(records))
	for _, r := range records {
		set[r.Version] = true
	}
	return set, nil
}

func pending(available []migration, applied map[int]bool) []migration {
	var out []migration
	for _, m := range available {
		if !applied[m.version] {
			out = append(out, m)
		}
	}
	return out
}

// loadMigrations reads and orders every .sql file under migrations/.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []migration
	seen := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		out = append(out, migration{version: version, name: name, sql: string(content)})
	}

	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// parseMigrationFilename splits "001_initial_schema.sql" into (1, "initial_schema").
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", fmt.Errorf("invalid version number in %s: %w", filename, err)
	}
	if version <= 0 {
		return 0, "", fmt.Errorf("invalid version number in %s: must be positive", filename)
	}
	return version, name, nil
}

func apply(ctx context.Context, db DB, mig migration) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Forget removes the newest schema_migrations row so the migration runs again
// on next start. The schema itself is left untouched.
func Forget(ctx context.Context, db DB, logger *slog.Logger) error {
	var version int
	var name string
	err := db.QueryRow(ctx, `SELECT version, name FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info("no migrations recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting last migration: %w", err)
	}

	if _, err := db.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
		return fmt.Errorf("removing migration record: %w", err)
	}
	logger.Info("migration record removed, schema not reverted", "version", version, "name", name)
	return nil
}
